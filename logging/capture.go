// Licensed under the Apache License, Version 2.0
// Details: https://raw.githubusercontent.com/square/llmquota/master/LICENSE

package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

// CaptureLogger keeps every line in memory. Tests install it with SetLogger to assert on what
// was, or was not, logged.
type CaptureLogger struct {
	sync.Mutex
	lines []string
}

func NewCaptureLogger() *CaptureLogger {
	return &CaptureLogger{}
}

func (c *CaptureLogger) add(level, msg string) {
	c.Lock()
	defer c.Unlock()
	c.lines = append(c.lines, level+" "+msg)
}

// Lines returns a copy of everything logged so far.
func (c *CaptureLogger) Lines() []string {
	c.Lock()
	defer c.Unlock()
	return append([]string(nil), c.lines...)
}

// Contains reports whether any logged line contains s.
func (c *CaptureLogger) Contains(s string) bool {
	for _, l := range c.Lines() {
		if strings.Contains(l, s) {
			return true
		}
	}
	return false
}

func (c *CaptureLogger) Fatal(args ...interface{}) {
	c.add("FATAL", fmt.Sprint(args...))
	os.Exit(1)
}

func (c *CaptureLogger) Fatalf(format string, args ...interface{}) {
	c.add("FATAL", fmt.Sprintf(format, args...))
	os.Exit(1)
}

func (c *CaptureLogger) Fatalln(args ...interface{}) {
	c.add("FATAL", fmt.Sprintln(args...))
	os.Exit(1)
}

func (c *CaptureLogger) Print(args ...interface{})                 { c.add("INFO", fmt.Sprint(args...)) }
func (c *CaptureLogger) Printf(format string, args ...interface{}) { c.add("INFO", fmt.Sprintf(format, args...)) }
func (c *CaptureLogger) Println(args ...interface{})               { c.add("INFO", fmt.Sprintln(args...)) }
func (c *CaptureLogger) Tracef(format string, args ...interface{}) { c.add("TRACE", fmt.Sprintf(format, args...)) }
func (c *CaptureLogger) Debugf(format string, args ...interface{}) { c.add("DEBUG", fmt.Sprintf(format, args...)) }
func (c *CaptureLogger) Infof(format string, args ...interface{})  { c.add("INFO", fmt.Sprintf(format, args...)) }
func (c *CaptureLogger) Warnf(format string, args ...interface{})  { c.add("WARN", fmt.Sprintf(format, args...)) }
func (c *CaptureLogger) Errorf(format string, args ...interface{}) { c.add("ERROR", fmt.Sprintf(format, args...)) }
