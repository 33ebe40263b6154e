package qemu

import "github.com/Toasterson/vm-manager/internal/hypervisor/qmp"

// connectQMP is a package variable so tests can substitute a fake
// machine-control connector without a real qemu process.
var connectQMP = qmp.Connect
