// Package klog provides structured logging for core (post-boot) kernel
// subsystems. The boot layer keeps using kernel/kfmt/early.Printf, which
// must not allocate; klog.L backs onto a *logrus.Logger and is only used
// once the Go allocator is wired up by kernel/goruntime.
package klog

import (
	"io"

	"github.com/sirupsen/logrus"
)

// L is the kernel-wide structured logger. It defaults to logrus's standard
// text formatter writing to its default output (os.Stderr); SetOutput lets
// kmain redirect it to the active console once the terminal driver is
// attached, mirroring how kernel/hal.ActiveTerminal is wired during boot.
var L = newLogger()

func newLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:    false,
		DisableColors:    true,
		QuoteEmptyFields: true,
	})
	return logger
}

// SetOutput redirects all subsequent log output to w.
func SetOutput(w io.Writer) {
	L.SetOutput(w)
}

// Module returns a logger pre-tagged with a "module" field, mirroring the
// {Module, Message} shape of the boot layer's kernel.Error.
func Module(name string) *logrus.Entry {
	return L.WithField("module", name)
}
