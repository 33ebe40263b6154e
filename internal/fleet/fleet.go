// Package fleet parses a declarative VMFile.kdl describing one or more
// VMs and resolves each definition into a ready-to-use model.VmSpec
// (spec §4.8). The on-disk format is a small subset of KDL.
package fleet

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/Toasterson/vm-manager/internal/image"
	"github.com/Toasterson/vm-manager/internal/model"
	"github.com/Toasterson/vm-manager/internal/provision"
	"github.com/Toasterson/vm-manager/internal/vmerr"
)

// ImageSource is where a VmDef's disk image comes from.
type ImageSource struct {
	Local string // non-empty when sourced from a local path
	URL   string // non-empty when sourced from a URL (fetched by the image subsystem)
}

// NetworkDef mirrors model.NetworkConfig at the file-format layer,
// keeping the parser independent of the runtime network types.
type NetworkDef struct {
	Mode   model.NetworkMode
	Bridge string
}

// CloudInitDef is the raw cloud-init block before resolution.
type CloudInitDef struct {
	Hostname string
	SSHKey   string
	UserData string
}

// SshDef is the raw ssh block before resolution.
type SshDef struct {
	User       string
	PrivateKey string
}

// VmDef is one `vm "name" { ... }` block, unresolved.
type VmDef struct {
	Name       string
	Image      ImageSource
	VCPUs      int
	MemoryMB   int
	DiskGB     *int
	Network    NetworkDef
	CloudInit  *CloudInitDef
	SSH        *SshDef
	Provisions []provision.Step
}

// File is a parsed VMFile: its base directory (for relative path
// resolution) and its ordered VM definitions.
type File struct {
	BaseDir string
	VMs     []VmDef
}

// Discover returns explicit if set, otherwise VMFile.kdl in the current
// directory. It fails if the chosen path does not exist; an explicit
// path that is missing does not fall back to VMFile.kdl.
func Discover(explicit string) (string, error) {
	path := explicit
	if path == "" {
		path = "VMFile.kdl"
	}
	if _, err := os.Stat(path); err != nil {
		return "", vmerr.New(vmerr.KindFleetFileNotFound, "no fleet file at %s", path)
	}
	return path, nil
}

// Parse reads and parses the fleet file at path.
func Parse(path string) (*File, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindFleetFileParseFailed, err, "reading %s", path)
	}

	nodes, err := parseDocument(string(content))
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindFleetFileParseFailed, err, "parsing %s", path)
	}

	baseDir := filepath.Dir(path)
	if baseDir == "" {
		baseDir = "."
	}

	seen := map[string]bool{}
	var vms []VmDef
	for _, n := range nodes {
		if n.name != "vm" {
			continue
		}
		name, ok := n.arg(0)
		if !ok {
			return nil, vmerr.New(vmerr.KindFleetFileValidation, "vm node must have a name argument (hint: add a name: vm \"my-server\" { ... })")
		}
		if seen[name] {
			return nil, vmerr.New(vmerr.KindFleetFileValidation, "vm %s: duplicate VM name (hint: each vm must have a unique name)", name)
		}
		seen[name] = true

		if len(n.children) == 0 {
			return nil, vmerr.New(vmerr.KindFleetFileValidation, "vm %s: vm node must have a body", name)
		}

		def, err := parseVmDef(name, n)
		if err != nil {
			return nil, err
		}
		vms = append(vms, def)
	}

	if len(vms) == 0 {
		return nil, vmerr.New(vmerr.KindFleetFileParseFailed, "no vm definitions found in %s", path)
	}

	return &File{BaseDir: baseDir, VMs: vms}, nil
}

func parseVmDef(name string, n *node) (VmDef, error) {
	localImage, hasLocal := n.child("image")
	urlImage, hasURL := n.child("image-url")
	// `image` and `image-url` are child nodes of the vm node whose first
	// argument is the path or URL ("image \"/path\"").
	var localPath, urlPath string
	if hasLocal {
		if v, ok := localImage.arg(0); ok {
			localPath = v
		}
	}
	if hasURL {
		if v, ok := urlImage.arg(0); ok {
			urlPath = v
		}
	}

	var image ImageSource
	switch {
	case localPath != "" && urlPath != "":
		return VmDef{}, vmerr.New(vmerr.KindFleetFileValidation, "vm %s: both image and image-url specified (hint: use either image or image-url, not both)", name)
	case localPath != "":
		image = ImageSource{Local: localPath}
	case urlPath != "":
		image = ImageSource{URL: urlPath}
	default:
		return VmDef{}, vmerr.New(vmerr.KindFleetFileValidation, "vm %s: no image specified (hint: add image \"/path/to/image.qcow2\" or image-url \"https://...\")", name)
	}

	vcpus := 1
	if c, ok := n.child("vcpus"); ok {
		if v, ok := c.arg(0); ok {
			if iv, ok := parseIntArg(v); ok {
				vcpus = int(iv)
			}
		}
	}

	memoryMB := 1024
	if c, ok := n.child("memory"); ok {
		if v, ok := c.arg(0); ok {
			if iv, ok := parseIntArg(v); ok {
				memoryMB = int(iv)
			}
		}
	}

	var diskGB *int
	if c, ok := n.child("disk"); ok {
		if v, ok := c.arg(0); ok {
			if iv, ok := parseIntArg(v); ok {
				d := int(iv)
				diskGB = &d
			}
		}
	}

	network := NetworkDef{Mode: model.NetworkUser}
	if netNode, ok := n.child("network"); ok {
		netType := "user"
		if v, ok := netNode.arg(0); ok {
			netType = v
		}
		switch netType {
		case "user":
			network = NetworkDef{Mode: model.NetworkUser}
		case "tap":
			bridge := "br0"
			if v, ok := netNode.prop("bridge"); ok {
				bridge = v
			}
			network = NetworkDef{Mode: model.NetworkTap, Bridge: bridge}
		case "none":
			network = NetworkDef{Mode: model.NetworkNone}
		default:
			return VmDef{}, vmerr.New(vmerr.KindFleetFileValidation, "vm %s: unknown network type: %s (hint: use \"user\", \"tap\", or \"none\")", name, netType)
		}
	}

	var cloudInit *CloudInitDef
	if ciNode, ok := n.child("cloud-init"); ok {
		ci := &CloudInitDef{}
		if c, ok := ciNode.child("hostname"); ok {
			if v, ok := c.arg(0); ok {
				ci.Hostname = v
			}
		}
		if c, ok := ciNode.child("ssh-key"); ok {
			if v, ok := c.arg(0); ok {
				ci.SSHKey = v
			}
		}
		if c, ok := ciNode.child("user-data"); ok {
			if v, ok := c.arg(0); ok {
				ci.UserData = v
			}
		}
		cloudInit = ci
	}

	var sshDef *SshDef
	if sshNode, ok := n.child("ssh"); ok {
		if len(sshNode.children) == 0 {
			return VmDef{}, vmerr.New(vmerr.KindFleetFileValidation, "vm %s: ssh block must have a body (hint: add user and private-key inside: ssh { user \"vm\"; private-key \"~/.ssh/id_ed25519\" })", name)
		}
		user := "vm"
		if c, ok := sshNode.child("user"); ok {
			if v, ok := c.arg(0); ok {
				user = v
			}
		}
		// private-key is optional: when absent, the CLI's up/reload/provision
		// commands generate and persist an ed25519 keypair per VM the first
		// time they run, reusing it on subsequent invocations.
		var privateKey string
		if c, ok := sshNode.child("private-key"); ok {
			if v, ok := c.arg(0); ok {
				privateKey = v
			}
		}
		sshDef = &SshDef{User: user, PrivateKey: privateKey}
	}

	var provisions []provision.Step
	for _, pNode := range n.childrenNamed("provision") {
		ptype := "shell"
		if v, ok := pNode.arg(0); ok {
			ptype = v
		}
		if len(pNode.children) == 0 {
			return VmDef{}, vmerr.New(vmerr.KindFleetFileValidation, "vm %s: provision block must have a body (hint: add content inside: provision \"shell\" { inline \"...\" })", name)
		}

		switch ptype {
		case "shell":
			var inline, script string
			if c, ok := pNode.child("inline"); ok {
				if v, ok := c.arg(0); ok {
					inline = v
				}
			}
			if c, ok := pNode.child("script"); ok {
				if v, ok := c.arg(0); ok {
					script = v
				}
			}
			if inline == "" && script == "" {
				return VmDef{}, vmerr.New(vmerr.KindFleetFileValidation, "vm %s: shell provision requires inline or script (hint: add: inline \"command\" or script \"./setup.sh\")", name)
			}
			if inline != "" && script != "" {
				return VmDef{}, vmerr.New(vmerr.KindFleetFileValidation, "vm %s: shell provision cannot have both inline and script (hint: use either inline or script, not both)", name)
			}
			provisions = append(provisions, provision.Step{Kind: provision.KindShell, Inline: inline, Script: script})
		case "file":
			c, ok := pNode.child("source")
			if !ok {
				return VmDef{}, vmerr.New(vmerr.KindFleetFileValidation, "vm %s: file provision requires source (hint: add: source \"./local-file.conf\")", name)
			}
			source, _ := c.arg(0)
			c, ok = pNode.child("destination")
			if !ok {
				return VmDef{}, vmerr.New(vmerr.KindFleetFileValidation, "vm %s: file provision requires destination (hint: add: destination \"/etc/app/config.conf\")", name)
			}
			destination, _ := c.arg(0)
			provisions = append(provisions, provision.Step{Kind: provision.KindFile, Source: source, Destination: destination})
		default:
			return VmDef{}, vmerr.New(vmerr.KindFleetFileValidation, "vm %s: unknown provision type: %s (hint: use \"shell\" or \"file\")", name, ptype)
		}
	}

	return VmDef{
		Name:       name,
		Image:      image,
		VCPUs:      vcpus,
		MemoryMB:   memoryMB,
		DiskGB:     diskGB,
		Network:    network,
		CloudInit:  cloudInit,
		SSH:        sshDef,
		Provisions: provisions,
	}, nil
}

// Resolve turns a VmDef into a ready-to-use model.VmSpec: local images
// are checked for existence, URLs are left for the caller to pull
// beforehand (Resolve itself never fetches).
func Resolve(def VmDef, baseDir string) (model.VmSpec, error) {
	var imagePath string
	switch {
	case def.Image.Local != "":
		p := provision.ResolvePath(def.Image.Local, baseDir)
		if _, err := os.Stat(p); err != nil {
			return model.VmSpec{}, vmerr.New(vmerr.KindFleetFileValidation, "vm %s: image not found: %s (hint: check the image path is correct and the file exists)", def.Name, p)
		}
		imagePath = p
	case def.Image.URL != "":
		return model.VmSpec{}, vmerr.New(vmerr.KindFleetFileValidation, "vm %s: image-url %s must be pulled with 'vmctl image pull' before resolving", def.Name, def.Image.URL)
	default:
		return model.VmSpec{}, fmt.Errorf("vm %s: no image source", def.Name)
	}

	var network model.NetworkConfig
	switch def.Network.Mode {
	case model.NetworkTap:
		network = model.NewTapNetwork(def.Network.Bridge)
	case model.NetworkNone:
		network = model.NewNoNetwork()
	default:
		network = model.NewUserNetwork()
	}

	var cloudInit *model.CloudInitConfig
	if def.CloudInit != nil {
		hostname := def.CloudInit.Hostname
		if hostname == "" {
			hostname = def.Name
		}
		switch {
		case def.CloudInit.UserData != "":
			p := provision.ResolvePath(def.CloudInit.UserData, baseDir)
			data, err := os.ReadFile(p)
			if err != nil {
				return model.VmSpec{}, vmerr.New(vmerr.KindFleetFileValidation, "vm %s: cannot read user-data at %s: %v (hint: check the user-data path)", def.Name, p, err)
			}
			cloudInit = &model.CloudInitConfig{UserData: data, InstanceID: def.Name, Hostname: hostname}
		case def.CloudInit.SSHKey != "":
			keyPath := provision.ResolvePath(def.CloudInit.SSHKey, baseDir)
			pubKey, err := os.ReadFile(keyPath)
			if err != nil {
				return model.VmSpec{}, vmerr.New(vmerr.KindFleetFileValidation, "vm %s: cannot read ssh-key at %s: %v (hint: check the ssh-key path)", def.Name, keyPath, err)
			}
			sshUser := "vm"
			if def.SSH != nil {
				sshUser = def.SSH.User
			}
			userData := image.BuildCloudConfig(sshUser, string(pubKey), def.Name, hostname)
			cloudInit = &model.CloudInitConfig{UserData: userData, InstanceID: def.Name, Hostname: hostname}
		}
	}

	var sshCfg *model.SshConfig
	if def.SSH != nil {
		sshCfg = &model.SshConfig{User: def.SSH.User}
		if def.SSH.PrivateKey != "" {
			sshCfg.PrivateKeyPath = provision.ResolvePath(def.SSH.PrivateKey, baseDir)
		}
	}

	diskGB := def.DiskGB

	spec := model.VmSpec{
		Name:      def.Name,
		ImagePath: imagePath,
		VCPUs:     def.VCPUs,
		MemoryMB:  def.MemoryMB,
		DiskGB:    diskGB,
		Network:   network,
		CloudInit: cloudInit,
		SSH:       sshCfg,
	}
	// Apply vcpus/memory/network defaults here too, not just in the
	// backends, so Resolve's own output always satisfies the >=1
	// guarantee in isolation (e.g. a fleet file with "vcpus 0").
	return spec.WithDefaults(), nil
}
