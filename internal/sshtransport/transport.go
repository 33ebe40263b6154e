// Package sshtransport implements the remote-shell provisioner's
// transport (spec §4.6): an authenticated SSH session, blocking and
// streaming command execution, file upload over SFTP, and
// exponential-backoff connect retry.
package sshtransport

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/Toasterson/vm-manager/internal/model"
	"github.com/Toasterson/vm-manager/internal/vmerr"
)

const (
	dialTimeout         = 10 * time.Second
	retryBackoffStart   = 1 * time.Second
	retryBackoffCap     = 5 * time.Second
	streamReadBufSize   = 8 * 1024
)

// Session is an authenticated remote-shell connection.
type Session struct {
	client *ssh.Client
}

// signerFor builds an ssh.Signer from cfg, preferring an in-memory
// private key over a key file when both are present.
func signerFor(cfg model.SshConfig) (ssh.Signer, error) {
	if len(cfg.PrivateKeyBytes) > 0 {
		return ssh.ParsePrivateKey(cfg.PrivateKeyBytes)
	}
	if cfg.PrivateKeyPath != "" {
		data, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, err
		}
		return ssh.ParsePrivateKey(data)
	}
	return nil, fmt.Errorf("no private key provided")
}

// Connect establishes a TCP connection to ip:port, performs the SSH
// handshake, and authenticates with the configured key.
func Connect(ctx context.Context, ip string, port int, cfg model.SshConfig) (*Session, error) {
	signer, err := signerFor(cfg)
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindRemoteShellFailed, err, "loading private key for %s", cfg.User)
	}

	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	}

	addr := net.JoinHostPort(ip, fmt.Sprintf("%d", port))
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindRemoteShellFailed, err, "dialing %s", addr)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		conn.Close()
		return nil, vmerr.Wrap(vmerr.KindRemoteShellFailed, err, "handshake/auth with %s", addr)
	}

	client := ssh.NewClient(sshConn, chans, reqs)
	return &Session{client: client}, nil
}

// Close closes the underlying SSH connection.
func (s *Session) Close() error { return s.client.Close() }

// Exec runs cmd to completion, reading stdout then stderr fully. The
// exit code defaults to 1 if the remote process did not report one.
func (s *Session) Exec(cmd string) (stdout, stderr string, exitCode int, err error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return "", "", 0, vmerr.Wrap(vmerr.KindRemoteShellFailed, err, "opening channel")
	}
	defer sess.Close()

	var outBuf, errBuf bytes.Buffer
	sess.Stdout = &outBuf
	sess.Stderr = &errBuf

	runErr := sess.Run(cmd)
	exitCode = exitCodeOf(runErr)

	return outBuf.String(), errBuf.String(), exitCode, nil
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ssh.ExitError
	if ok := asExitError(err, &exitErr); ok {
		return exitErr.ExitStatus()
	}
	return 1
}

func asExitError(err error, target **ssh.ExitError) bool {
	if ee, ok := err.(*ssh.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

type pumpResult struct {
	data []byte
	err  error
}

// pump reads r in streamReadBufSize chunks on its own goroutine,
// delivering each chunk (and the terminal error, usually io.EOF) over
// the returned channel. This is the Go-idiomatic equivalent of the
// non-blocking poll-with-sleep loop a single-threaded runtime needs:
// goroutines plus a blocking Read already yield to the scheduler.
func pump(r interface{ Read([]byte) (int, error) }) <-chan pumpResult {
	ch := make(chan pumpResult)
	go func() {
		buf := make([]byte, streamReadBufSize)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				ch <- pumpResult{data: chunk}
			}
			if err != nil {
				ch <- pumpResult{err: err}
				close(ch)
				return
			}
		}
	}()
	return ch
}

// ExecStreaming runs cmd, writing stdout/stderr chunks to outW/errW as
// they arrive while also accumulating them in memory, and returns the
// accumulated buffers plus the exit code.
func (s *Session) ExecStreaming(ctx context.Context, cmd string, outW, errW interface{ Write([]byte) (int, error) }) (stdout, stderr []byte, exitCode int, err error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return nil, nil, 0, vmerr.Wrap(vmerr.KindRemoteShellFailed, err, "opening channel")
	}
	defer sess.Close()

	stdoutPipe, err := sess.StdoutPipe()
	if err != nil {
		return nil, nil, 0, vmerr.Wrap(vmerr.KindRemoteShellFailed, err, "stdout pipe")
	}
	stderrPipe, err := sess.StderrPipe()
	if err != nil {
		return nil, nil, 0, vmerr.Wrap(vmerr.KindRemoteShellFailed, err, "stderr pipe")
	}

	if err := sess.Start(cmd); err != nil {
		return nil, nil, 0, vmerr.Wrap(vmerr.KindRemoteShellFailed, err, "starting %q", cmd)
	}

	outCh, errCh := pump(stdoutPipe), pump(stderrPipe)
	var outBuf, errBuf bytes.Buffer
	outDone, errDone := false, false

	for !outDone || !errDone {
		select {
		case <-ctx.Done():
			return outBuf.Bytes(), errBuf.Bytes(), 0, ctx.Err()
		case r, ok := <-outCh:
			if !ok {
				outDone = true
				continue
			}
			if len(r.data) > 0 {
				outBuf.Write(r.data)
				outW.Write(r.data)
			}
			if r.err != nil {
				outDone = true
			}
		case r, ok := <-errCh:
			if !ok {
				errDone = true
				continue
			}
			if len(r.data) > 0 {
				errBuf.Write(r.data)
				errW.Write(r.data)
			}
			if r.err != nil {
				errDone = true
			}
		}
	}

	runErr := sess.Wait()
	return outBuf.Bytes(), errBuf.Bytes(), exitCodeOf(runErr), nil
}

// Upload reads localPath fully and writes it to remotePath over SFTP.
func (s *Session) Upload(localPath, remotePath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return vmerr.Wrap(vmerr.KindRemoteShellFailed, err, "reading local file %s", localPath)
	}

	sftpClient, err := sftp.NewClient(s.client)
	if err != nil {
		return vmerr.Wrap(vmerr.KindRemoteShellFailed, err, "opening sftp subsystem")
	}
	defer sftpClient.Close()

	remote, err := sftpClient.Create(remotePath)
	if err != nil {
		return vmerr.Wrap(vmerr.KindRemoteShellFailed, err, "creating remote file %s", remotePath)
	}
	defer remote.Close()

	if _, err := remote.Write(data); err != nil {
		return vmerr.Wrap(vmerr.KindRemoteShellFailed, err, "writing remote file %s", remotePath)
	}
	return nil
}

// ConnectWithRetry retries Connect with exponential backoff (1s
// doubling, capped at 5s) until timeout elapses, surfacing the last
// connect error on final failure.
func ConnectWithRetry(ctx context.Context, ip string, port int, cfg model.SshConfig, timeout time.Duration) (*Session, error) {
	deadline := time.Now().Add(timeout)
	backoff := retryBackoffStart

	var lastErr error
	for {
		sess, err := Connect(ctx, ip, port, cfg)
		if err == nil {
			return sess, nil
		}
		lastErr = err

		if time.Now().After(deadline) {
			return nil, lastErr
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > retryBackoffCap {
			backoff = retryBackoffCap
		}
	}
}
