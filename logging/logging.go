// Licensed under the Apache License, Version 2.0
// Details: https://raw.githubusercontent.com/square/llmquota/master/LICENSE

// Package logging is a thin facade over the logger in use, so that embedding gateways can plug
// in their own. klog is used by default.
package logging

import (
	"fmt"
	"sync"

	"k8s.io/klog/v2"
)

var (
	mu     sync.RWMutex
	logger Logger = &klogLogger{}
)

// Logger mimics golang's standard Logger as an interface, with added levels.
type Logger interface {
	Fatal(args ...interface{})
	Fatalf(format string, args ...interface{})
	Fatalln(args ...interface{})
	Print(args ...interface{})
	Printf(format string, args ...interface{})
	Println(args ...interface{})

	Tracef(format string, args ...interface{})
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// SetLogger sets the logger to be used
func SetLogger(l Logger) {
	mu.Lock()
	defer mu.Unlock()
	logger = l
}

// CurrentLogger gets the logger to be used
func CurrentLogger() Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Fatal is equivalent to Print() followed by a call to os.Exit() with a non-zero exit code.
func Fatal(args ...interface{}) {
	CurrentLogger().Fatal(args...)
}

// Fatalf is equivalent to Printf() followed by a call to os.Exit() with a non-zero exit code.
func Fatalf(format string, args ...interface{}) {
	CurrentLogger().Fatalf(format, args...)
}

// Fatalln is equivalent to Println() followed by a call to os.Exit()) with a non-zero exit code.
func Fatalln(args ...interface{}) {
	CurrentLogger().Fatalln(args...)
}

// Print prints to the logger. Arguments are handled in the manner of fmt.Print.
func Print(args ...interface{}) {
	CurrentLogger().Print(args...)
}

// Printf prints to the logger. Arguments are handled in the manner of fmt.Printf.
func Printf(format string, args ...interface{}) {
	CurrentLogger().Printf(format, args...)
}

// Println prints to the logger. Arguments are handled in the manner of fmt.Println.
func Println(args ...interface{}) {
	CurrentLogger().Println(args...)
}

func Trace(args ...interface{}) {
	CurrentLogger().Tracef("%s", fmt.Sprint(args...))
}

func Tracef(format string, args ...interface{}) {
	CurrentLogger().Tracef(format, args...)
}

func Debug(args ...interface{}) {
	CurrentLogger().Debugf("%s", fmt.Sprint(args...))
}

func Debugf(format string, args ...interface{}) {
	CurrentLogger().Debugf(format, args...)
}

func Info(args ...interface{}) {
	CurrentLogger().Infof("%s", fmt.Sprint(args...))
}

func Infof(format string, args ...interface{}) {
	CurrentLogger().Infof(format, args...)
}

func Warn(args ...interface{}) {
	CurrentLogger().Warnf("%s", fmt.Sprint(args...))
}

func Warnf(format string, args ...interface{}) {
	CurrentLogger().Warnf(format, args...)
}

func Error(args ...interface{}) {
	CurrentLogger().Errorf("%s", fmt.Sprint(args...))
}

func Errorf(format string, args ...interface{}) {
	CurrentLogger().Errorf(format, args...)
}

// klogLogger routes everything through klog. Trace and debug output is only emitted at
// verbosity 4 and 2 respectively.
type klogLogger struct{}

func (*klogLogger) Fatal(args ...interface{})                 { klog.Fatal(args...) }
func (*klogLogger) Fatalf(format string, args ...interface{}) { klog.Fatalf(format, args...) }
func (*klogLogger) Fatalln(args ...interface{})               { klog.Fatalln(args...) }
func (*klogLogger) Print(args ...interface{})                 { klog.Info(args...) }
func (*klogLogger) Printf(format string, args ...interface{}) { klog.Infof(format, args...) }
func (*klogLogger) Println(args ...interface{})               { klog.Infoln(args...) }
func (*klogLogger) Tracef(format string, args ...interface{}) { klog.V(4).Infof(format, args...) }
func (*klogLogger) Debugf(format string, args ...interface{}) { klog.V(2).Infof(format, args...) }
func (*klogLogger) Infof(format string, args ...interface{})  { klog.Infof(format, args...) }
func (*klogLogger) Warnf(format string, args ...interface{})  { klog.Warningf(format, args...) }
func (*klogLogger) Errorf(format string, args ...interface{}) { klog.Errorf(format, args...) }
