package debugger

import (
	"fmt"
	"strings"

	"github.com/dosx-project/dosx/arch"
)

// Disassembler is the external collaborator spec.md §1 calls out as
// deliberately out of scope: a pure function from bytes+address to a
// one-line textual form and the instruction's length.
type Disassembler func(code []byte, addr uint32) (text string, length int)

// RenderHeader formats the status header line for a classified
// exception (spec.md §4.K): the fault name and, for selector-bearing
// faults, the decoded selector.
func RenderHeader(e Exception) string {
	switch {
	case e.hasSelector():
		return fmt.Sprintf("%s: selector %s", e.Kind, e.Selector)
	case e.Kind == PageFault:
		access := "read"
		if e.Page.Write {
			access = "write"
		}
		mode := "supervisor"
		if e.Page.User {
			mode = "user"
		}
		return fmt.Sprintf("page fault: %s %s access at %#08x (present=%v)",
			mode, access, e.Page.LinearAddr, e.Page.Present)
	default:
		return e.Kind.String()
	}
}

// RenderStatus renders the full status display spec.md §4.K requires
// after the header: the register dump, decoded EFLAGS, and a one-line
// disassembly of the faulting instruction fetched via dis.
func RenderStatus(e Exception, regs *arch.Regs, code []byte, dis Disassembler) string {
	var b strings.Builder
	b.WriteString(RenderHeader(e))
	b.WriteByte('\n')
	fmt.Fprintf(&b, "EAX=%08x EBX=%08x ECX=%08x EDX=%08x\n", regs.EAX, regs.EBX, regs.ECX, regs.EDX)
	fmt.Fprintf(&b, "ESI=%08x EDI=%08x EBP=%08x ESP=%08x\n", regs.ESI, regs.EDI, regs.EBP, regs.ESP)
	fmt.Fprintf(&b, "CS=%04x SS=%04x DS=%04x ES=%04x FS=%04x GS=%04x EIP=%08x\n",
		regs.CS, regs.SS, regs.DS, regs.ES, regs.FS, regs.GS, regs.EIP)
	fmt.Fprintf(&b, "EFL=%08x %s\n", regs.EFlags, arch.DecodeEFlags(regs.EFlags))
	if dis != nil {
		text, _ := dis(code, regs.EIP)
		fmt.Fprintf(&b, "%04x:%08x %s\n", regs.CS, regs.EIP, text)
	}
	return b.String()
}
