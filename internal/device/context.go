package device

import (
	"runtime"
	"sync/atomic"
)

// Context is an active scope on one device. It is valid only while the
// callback given to Enter runs.
type Context struct {
	info   Info
	closed atomic.Bool
}

func (c *Context) Device() Info { return c.info }

func (c *Context) check(owner Info) error {
	if c == nil || c.closed.Load() {
		return ErrContextClosed
	}
	if !c.info.same(owner) {
		return ErrWrongContext
	}
	return nil
}

// Enter activates info on a locked OS thread and runs fn inside its
// context.
func Enter(info Info, fn func(ctx *Context) error) error {
	d, err := driverFor(info)
	if err != nil {
		return err
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if err := d.Activate(info.Ordinal); err != nil {
		return err
	}
	ctx := &Context{info: info}
	defer ctx.closed.Store(true)
	return fn(ctx)
}
