package kernel

import (
	"bytes"
	rpprof "runtime/pprof"

	"github.com/google/pprof/profile"

	"defs"
	"fs"
	"mem"
	"stats"
)

// /proc/profile: a heap-profile summary of the kernel itself, the
// user-space analog of the profiling char device (MAJOR_PROF). The raw profile is
// captured with runtime/pprof and decoded with the pprof profile
// library so the rendered view is stable human-readable text rather
// than the compressed wire format.

type profileView_t struct{}

func (profileView_t) Start(sf *fs.Seqfile_t) interface{} {
	var raw bytes.Buffer
	if err := rpprof.Lookup("heap").WriteTo(&raw, 0); err != nil {
		sf.Printf("profile unavailable: %v\n", err)
		return nil
	}
	p, err := profile.Parse(&raw)
	if err != nil {
		sf.Printf("profile parse failed: %v\n", err)
		return nil
	}
	var totalObjs, totalBytes int64
	for _, s := range p.Sample {
		if len(s.Value) >= 2 {
			totalObjs += s.Value[0]
			totalBytes += s.Value[1]
		}
	}
	sf.Printf("heap samples: %d\n", len(p.Sample))
	sf.Printf("live objects: %d\n", totalObjs)
	sf.Printf("live bytes: %d\n", totalBytes)
	for i, st := range p.SampleType {
		sf.Printf("sample type %d: %s/%s\n", i, st.Type, st.Unit)
	}
	return nil
}

func (profileView_t) Next(sf *fs.Seqfile_t, pos interface{}) interface{} { return nil }
func (profileView_t) Render(sf *fs.Seqfile_t, pos interface{}) defs.Err_t {
	return 0
}
func (profileView_t) End(sf *fs.Seqfile_t) {}

func registerDiag() {
	ProcRegister("profile", profileView_t{})
	ProcRegister("stats", statsView_t{})
}

// /proc/stats: free pages, cached inodes and block-cache counters.
type statsView_t struct{}

func (statsView_t) Start(sf *fs.Seqfile_t) interface{} {
	sf.Printf("free pages: %d\n", mem.Physmem.FreePages())
	sf.Printf("cached inodes: %d\n", fs.Icache_count())
	sf.Printf("%s", stats.Stats2String(fs.Bcstats))
	return nil
}

func (statsView_t) Next(sf *fs.Seqfile_t, pos interface{}) interface{} { return nil }
func (statsView_t) Render(sf *fs.Seqfile_t, pos interface{}) defs.Err_t {
	return 0
}
func (statsView_t) End(sf *fs.Seqfile_t) {}
