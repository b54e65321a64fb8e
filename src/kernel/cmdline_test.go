package kernel

import "testing"

func TestParseCmdline(t *testing.T) {
	var b bool
	var n int
	var s string
	var lv int
	ParamBool("test.flag", func(v bool) { b = v })
	ParamInt("test.count", func(v int) { n = v })
	ParamString("test.name", func(v string) { s = v })
	ParamLoglevel("test.log", func(v int) { lv = v })

	ParseCmdline("test.flag=true test.count=42 test.name=hda test.log=debug " +
		"unknown.key=1 malformed test.count=oops")

	if !b {
		t.Errorf("bool not set")
	}
	if n != 42 {
		t.Errorf("count = %d, want 42 (bad value must not clobber)", n)
	}
	if s != "hda" {
		t.Errorf("name = %q", s)
	}
	if lv != 4 {
		t.Errorf("loglevel = %d, want 4", lv)
	}

	ParseCmdline("test.flag=off")
	if b {
		t.Errorf("bool not cleared")
	}
}

func TestParamDoubleRegisterPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("duplicate registration did not panic")
		}
	}()
	ParamBool("test.dup", func(bool) {})
	ParamBool("test.dup", func(bool) {})
}
