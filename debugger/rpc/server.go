// Package rpc exposes a debugger.Dispatcher over net/rpc, the way
// program/server.go exposes the teacher's Server: one exported method
// per RPC call, each taking a *proxyrpc.XRequest and filling in a
// *proxyrpc.XResponse.
package rpc

import (
	"fmt"

	"github.com/dosx-project/dosx/debugger"
	"github.com/dosx-project/dosx/debugger/proxyrpc"
	"github.com/dosx-project/dosx/host/posixhost"
	"github.com/dosx-project/dosx/loader"
)

// Server is the RPC-callable wrapper around a Dispatcher and the
// posixhost.Host it drives. Unlike the Dispatcher itself, Server owns
// process attach/detach, since a remote client has no other way to
// start the target.
type Server struct {
	Disp *debugger.Dispatcher
	Host *posixhost.Host
}

// NewServer builds a Server around a fresh posixhost.Host and an empty
// breakpoint manager/module registry. The Dispatcher's register and
// memory-operand lookups are wired to the same Host (debugger.NewDispatcher's
// default), so `lm` and every register-name/memory-operand atom work
// over RPC exactly as they do in the local dosdbg REPL.
func NewServer() *Server {
	h := posixhost.New()
	reg := loader.NewRegistry()
	ld := loader.New(h, reg)
	disp := debugger.NewDispatcher(h, debugger.NewManager(h), reg)
	disp.Symbols = ld.Symbols
	disp.Sym = ld.Symbols.Lookup
	return &Server{
		Disp: disp,
		Host: h,
	}
}

func (s *Server) Attach(req *proxyrpc.AttachRequest, resp *proxyrpc.AttachResponse) error {
	return s.Host.Attach(req.Name, req.Argv)
}

func (s *Server) Command(req *proxyrpc.CommandRequest, resp *proxyrpc.CommandResponse) error {
	out, err := s.Disp.Dispatch(req.Line)
	if err != nil {
		return err
	}
	resp.Output = out
	return nil
}

func (s *Server) ListBreakpoints(req *proxyrpc.ListBreakpointsRequest, resp *proxyrpc.ListBreakpointsResponse) error {
	for slot, bp := range s.Disp.BP.List() {
		resp.Breakpoints = append(resp.Breakpoints, proxyrpc.BreakpointInfo{
			Slot:    slot,
			Kind:    breakpointKindName(bp.Kind),
			Enabled: bp.Enabled,
			Address: bp.Address.String(),
		})
	}
	return nil
}

func breakpointKindName(k debugger.BreakpointKind) string {
	switch k {
	case debugger.Software:
		return "software"
	case debugger.Hardware:
		return "hardware"
	default:
		return "empty"
	}
}

func (s *Server) Status(req *proxyrpc.StatusRequest, resp *proxyrpc.StatusResponse) error {
	ctx, err := s.Host.GetContext()
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	resp.Text = fmt.Sprintf("PC=%#08x SP=%#08x", ctx.PC, ctx.SP)
	return nil
}
