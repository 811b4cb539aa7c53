package recorder

import "strings"

// csrMnemonics read or write CSR state beyond their destination register.
var csrMnemonics = map[string]bool{
	"ecall":      true,
	"ebreak":     true,
	"c.ebreak":   true,
	"fence":      true,
	"fence.i":    true,
	"sfence.vma": true,
	"mret":       true,
	"sret":       true,
	"uret":       true,
	"dret":       true,
	"wfi":        true,
	"frflags":    true,
	"fsflags":    true,
	"fsflagsi":   true,
	"frrm":       true,
	"fsrm":       true,
	"fsrmi":      true,
	"frcsr":      true,
	"fscsr":      true,
}

// fpFlagPrefixes start floating-point mnemonics that may raise accrued
// exception flags in fflags/fcsr.
var fpFlagPrefixes = []string{
	"fadd", "fsub", "fmul", "fdiv", "fsqrt",
	"fmadd", "fmsub", "fnmadd", "fnmsub",
	"fcvt", "fmin", "fmax", "feq", "flt", "fle",
}

// touchesCSRs reports whether an instruction with this mnemonic needs a
// full CSR snapshot.
func touchesCSRs(mnemonic string) bool {
	m := strings.ToLower(strings.TrimSpace(mnemonic))
	if csrMnemonics[m] || strings.HasPrefix(m, "csr") {
		return true
	}
	for _, p := range fpFlagPrefixes {
		if strings.HasPrefix(m, p) {
			return true
		}
	}
	return false
}
