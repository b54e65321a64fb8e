// Package kernel glues the subsystems together: boot ordering, the
// kernel command line, the /proc views, the console/tty character
// device, the loopback socket family and the profiling hook.
package kernel

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// The kernel command line is whitespace-separated key=value pairs.
// Recognized keys register themselves with a typed setter; unknown keys
// are logged and ignored.

type paramKind int

const (
	paramBool paramKind = iota
	paramInt
	paramString
	paramLoglevel
)

type param_t struct {
	kind paramKind
	setb func(bool)
	seti func(int)
	sets func(string)
}

var cmdline struct {
	mu     sync.Mutex
	params map[string]*param_t
}

func registerParam(name string, p *param_t) {
	cmdline.mu.Lock()
	defer cmdline.mu.Unlock()
	if cmdline.params == nil {
		cmdline.params = make(map[string]*param_t)
	}
	if _, ok := cmdline.params[name]; ok {
		panic("kernel parameter registered twice: " + name)
	}
	cmdline.params[name] = p
}

/// ParamBool registers a boolean command-line key ("key=true|false|0|1").
func ParamBool(name string, set func(bool)) {
	registerParam(name, &param_t{kind: paramBool, setb: set})
}

/// ParamInt registers an integer command-line key.
func ParamInt(name string, set func(int)) {
	registerParam(name, &param_t{kind: paramInt, seti: set})
}

/// ParamString registers a string command-line key.
func ParamString(name string, set func(string)) {
	registerParam(name, &param_t{kind: paramString, sets: set})
}

// Loglevel names accepted by loglevel-typed keys.
var loglevels = map[string]int{
	"none": 0, "error": 1, "warning": 2, "normal": 3, "debug": 4,
}

/// ParamLoglevel registers a key accepting a symbolic log level.
func ParamLoglevel(name string, set func(int)) {
	registerParam(name, &param_t{kind: paramLoglevel, seti: set})
}

/// ParseCmdline applies a full kernel command line. Unknown keys and
/// malformed values are logged and skipped, never fatal.
func ParseCmdline(line string) {
	for _, tok := range strings.Fields(line) {
		eq := strings.IndexByte(tok, '=')
		if eq < 0 {
			fmt.Printf("cmdline: ignoring malformed option %q\n", tok)
			continue
		}
		key, val := tok[:eq], tok[eq+1:]
		cmdline.mu.Lock()
		p := cmdline.params[key]
		cmdline.mu.Unlock()
		if p == nil {
			fmt.Printf("cmdline: unknown option %q\n", key)
			continue
		}
		switch p.kind {
		case paramBool:
			switch val {
			case "true", "1", "on":
				p.setb(true)
			case "false", "0", "off":
				p.setb(false)
			default:
				fmt.Printf("cmdline: bad bool %q for %q\n", val, key)
			}
		case paramInt:
			n, err := strconv.Atoi(val)
			if err != nil {
				fmt.Printf("cmdline: bad int %q for %q\n", val, key)
				continue
			}
			p.seti(n)
		case paramString:
			p.sets(val)
		case paramLoglevel:
			lv, ok := loglevels[val]
			if !ok {
				fmt.Printf("cmdline: bad loglevel %q for %q\n", val, key)
				continue
			}
			p.seti(lv)
		}
	}
}
