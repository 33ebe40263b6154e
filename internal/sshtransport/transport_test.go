package sshtransport

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/Toasterson/vm-manager/internal/model"
)

// exitStatusMsg mirrors the wire format of an SSH "exit-status"
// channel request (RFC 4254 §6.10).
type exitStatusMsg struct {
	Status uint32
}

// startFakeSSHServer runs a minimal in-process sshd accepting only a
// freshly generated client public key, serving "exec" requests by
// echoing the command to stdout and a fixed line to stderr, and "sftp"
// subsystem requests via pkg/sftp's server implementation. It returns
// the listen address and the client signer to authenticate with.
func startFakeSSHServer(t *testing.T) (addr string, clientSigner ssh.Signer) {
	t.Helper()

	hostPub, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating host key: %v", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}
	_ = hostPub

	clientPub, clientPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating client key: %v", err)
	}
	clientSigner, err = ssh.NewSignerFromKey(clientPriv)
	if err != nil {
		t.Fatalf("client signer: %v", err)
	}
	clientPubSSH, err := ssh.NewPublicKey(clientPub)
	if err != nil {
		t.Fatalf("client public key: %v", err)
	}

	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), clientPubSSH.Marshal()) {
				return nil, nil
			}
			return nil, fmt.Errorf("unknown key")
		},
	}
	cfg.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveFakeConn(conn, cfg)
		}
	}()

	return ln.Addr().String(), clientSigner
}

func serveFakeConn(conn net.Conn, cfg *ssh.ServerConfig) {
	sconn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			newCh.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, requests, err := newCh.Accept()
		if err != nil {
			return
		}
		go serveFakeSession(ch, requests)
	}
}

func serveFakeSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	for req := range requests {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			ssh.Unmarshal(req.Payload, &payload)
			req.Reply(true, nil)

			fmt.Fprintf(ch, "ran: %s", payload.Command)
			fmt.Fprintf(ch.Stderr(), "warning: synthetic stderr")
			ch.SendRequest("exit-status", false, ssh.Marshal(&exitStatusMsg{Status: 0}))
			ch.Close()
			return
		case "subsystem":
			var payload struct{ Name string }
			ssh.Unmarshal(req.Payload, &payload)
			req.Reply(payload.Name == "sftp", nil)
			if payload.Name == "sftp" {
				server, err := sftp.NewServer(ch)
				if err == nil {
					server.Serve()
				}
				ch.Close()
				return
			}
		default:
			req.Reply(false, nil)
		}
	}
}

// dialFakeServer builds a Session around an already-authenticated
// ssh.Client, bypassing Connect's PEM-parsing path since tests hold an
// ed25519.PrivateKey rather than PEM bytes.
func dialFakeServer(t *testing.T, addr string, signer ssh.Signer) *Session {
	t.Helper()
	cfg := &ssh.ClientConfig{
		User:            "vmctl",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	}
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		t.Fatalf("ssh.Dial: %v", err)
	}
	return &Session{client: client}
}

func TestExecReturnsStdoutStderrAndExitCode(t *testing.T) {
	addr, signer := startFakeSSHServer(t)
	sess := dialFakeServer(t, addr, signer)
	defer sess.Close()

	stdout, stderr, code, err := sess.Exec("echo hi")
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if stdout != "ran: echo hi" {
		t.Errorf("stdout = %q", stdout)
	}
	if stderr != "warning: synthetic stderr" {
		t.Errorf("stderr = %q", stderr)
	}
	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
}

func TestExecStreamingAccumulatesAndForwards(t *testing.T) {
	addr, signer := startFakeSSHServer(t)
	sess := dialFakeServer(t, addr, signer)
	defer sess.Close()

	var outW, errW bytes.Buffer
	stdout, stderr, code, err := sess.ExecStreaming(context.Background(), "build", &outW, &errW)
	if err != nil {
		t.Fatalf("ExecStreaming: %v", err)
	}
	if string(stdout) != "ran: build" || outW.String() != "ran: build" {
		t.Errorf("stdout = %q, forwarded = %q", stdout, outW.String())
	}
	if string(stderr) != "warning: synthetic stderr" || errW.String() != "warning: synthetic stderr" {
		t.Errorf("stderr = %q, forwarded = %q", stderr, errW.String())
	}
	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
}

func TestUploadWritesRemoteFile(t *testing.T) {
	addr, signer := startFakeSSHServer(t)
	sess := dialFakeServer(t, addr, signer)
	defer sess.Close()

	dir := t.TempDir()
	local := filepath.Join(dir, "script.sh")
	if err := os.WriteFile(local, []byte("#!/bin/sh\necho hi\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	remote := filepath.Join(dir, "uploaded.sh")

	if err := sess.Upload(local, remote); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	got, err := os.ReadFile(remote)
	if err != nil {
		t.Fatalf("ReadFile remote: %v", err)
	}
	if string(got) != "#!/bin/sh\necho hi\n" {
		t.Errorf("remote contents = %q", got)
	}
}

func TestConnectWithRetryGivesUpAfterTimeout(t *testing.T) {
	cfg := model.SshConfig{User: "vmctl", PrivateKeyPath: filepath.Join(t.TempDir(), "missing")}
	start := time.Now()
	_, err := ConnectWithRetry(context.Background(), "127.0.0.1", 1, cfg, 150*time.Millisecond)
	if err == nil {
		t.Fatal("ConnectWithRetry: want error, got nil")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("ConnectWithRetry took %v, want bounded by timeout", elapsed)
	}
}
