package kernel

import (
	"defs"
	"fdops"
	"fs"
	"proc"
	"sys"
	"util"
)

// /proc/task_api: a binary stream of task_api_info records, one per
// task, read at whatever record offset the caller has reached, plus
// ioctls for per-task memory and file-table detail. The textual
// /proc/tasks view is for people; this one is for tools like ps that
// want fixed-layout records.

// taskRecord encodes one task as a TASKAPI_INFO_SZ record: pid, ppid,
// pgid, sid, state, killed as 8-byte words, then the NUL-padded name.
func taskRecord(t *proc.Task_t) []byte {
	rec := make([]byte, defs.TASKAPI_INFO_SZ)
	util.Writen(rec, 8, 0, int(t.Pid))
	util.Writen(rec, 8, 8, int(t.Ppid()))
	util.Writen(rec, 8, 16, int(t.Pgid))
	util.Writen(rec, 8, 24, int(t.Sid))
	util.Writen(rec, 8, 32, int(t.State()))
	killed := 0
	if t.Killed() {
		killed = 1
	}
	util.Writen(rec, 8, 40, killed)
	name := t.Name
	if len(name) > defs.TASKAPI_NAME_SZ-1 {
		name = name[:defs.TASKAPI_NAME_SZ-1]
	}
	copy(rec[48:], name)
	return rec
}

// taskapiView_t renders the record stream through the seq-file
// scaffold; the records are binary but the caching/offset behavior is
// exactly the read-mostly contract the other /proc files use.
type taskapiView_t struct{}

func (taskapiView_t) Start(sf *fs.Seqfile_t) interface{} {
	ts := proc.AllTasks()
	if len(ts) == 0 {
		return nil
	}
	return &seqCursor_t{items: len(ts), data: ts}
}

func (taskapiView_t) Next(sf *fs.Seqfile_t, pos interface{}) interface{} {
	c := pos.(*seqCursor_t)
	c.idx++
	if c.idx >= c.items {
		return nil
	}
	return c
}

func (taskapiView_t) Render(sf *fs.Seqfile_t, pos interface{}) defs.Err_t {
	c := pos.(*seqCursor_t)
	sf.Append(taskRecord(c.data.([]*proc.Task_t)[c.idx]))
	return 0
}

func (taskapiView_t) End(sf *fs.Seqfile_t) {}

// taskapiFops_t is the seq file plus the task-detail ioctl surface.
type taskapiFops_t struct {
	*fs.Seqfile_t
}

// ioctlPid reads the pid word leading the user's argument record.
func ioctlPid(t *proc.Task_t, arg int) (*proc.Task_t, defs.Err_t) {
	pid, err := t.Vm.Userreadn(arg, 8)
	if err != 0 {
		return nil, err
	}
	target := proc.ByPid(defs.Pid_t(pid))
	if target == nil {
		return nil, -defs.ESRCH
	}
	return target, 0
}

/// Ioctltask serves the per-task detail calls: TASKAPI_MEM_INFO fills
/// {regions, pages, brk} after the pid word, TASKAPI_FILE_INFO fills
/// the open-descriptor count.
func (tf *taskapiFops_t) Ioctltask(t *proc.Task_t, cmd, arg int) (int, defs.Err_t) {
	switch cmd {
	case defs.TASKAPI_MEM_INFO:
		target, err := ioctlPid(t, arg)
		if err != 0 {
			return 0, err
		}
		if target.Vm == nil {
			return 0, -defs.ESRCH
		}
		regions, pages, brk := target.Vm.Meminfo()
		if err := t.Vm.Userwriten(arg+8, 8, regions); err != 0 {
			return 0, err
		}
		if err := t.Vm.Userwriten(arg+16, 8, pages); err != 0 {
			return 0, err
		}
		if err := t.Vm.Userwriten(arg+24, 8, brk); err != 0 {
			return 0, err
		}
		return 0, 0
	case defs.TASKAPI_FILE_INFO:
		target, err := ioctlPid(t, arg)
		if err != 0 {
			return 0, err
		}
		nfds := 0
		if target.Fds != nil {
			nfds = target.Fds.Count()
		}
		if err := t.Vm.Userwriten(arg+8, 8, nfds); err != 0 {
			return 0, err
		}
		return 0, 0
	}
	return 0, -defs.EINVAL
}

func registerTaskAPI() {
	ProcRegisterRaw("task_api", func() (fdops.Fdops_i, defs.Err_t) {
		return &taskapiFops_t{fs.MkSeqfile(taskapiView_t{})}, 0
	})
}

var _ sys.Taskioctl_i = &taskapiFops_t{}
