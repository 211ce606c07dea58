//go:build windows

package session

import (
	"context"
	"strings"

	"github.com/UserExistsError/conpty"
)

type winPTY struct {
	cpty *conpty.ConPty
}

func startPTY(command string, args []string, cwd string, env []string, cols, rows uint16) (ptyHandle, error) {
	parts := append([]string{command}, args...)
	cpty, err := conpty.Start(strings.Join(parts, " "),
		conpty.ConPtyDimensions(int(cols), int(rows)),
		conpty.ConPtyWorkDir(cwd))
	if err != nil {
		return nil, err
	}
	return &winPTY{cpty: cpty}, nil
}

func (p *winPTY) Read(b []byte) (int, error)  { return p.cpty.Read(b) }
func (p *winPTY) Write(b []byte) (int, error) { return p.cpty.Write(b) }
func (p *winPTY) Close() error                { return p.cpty.Close() }
func (p *winPTY) Pid() int                    { return p.cpty.Pid() }

func (p *winPTY) Resize(cols, rows uint16) error {
	return p.cpty.Resize(int(cols), int(rows))
}

// No signals on windows; closing the pseudo console ends the child.
func (p *winPTY) Hangup()    { _ = p.cpty.Close() }
func (p *winPTY) ForceKill() { _ = p.cpty.Close() }

func (p *winPTY) Wait() (int, string) {
	code, err := p.cpty.Wait(context.Background())
	if err != nil {
		return 1, ""
	}
	return int(code), ""
}
