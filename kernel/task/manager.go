package task

import (
	"github.com/ytret/os/kernel"
	"github.com/ytret/os/kernel/cpu"
	"github.com/ytret/os/kernel/gate"
	"github.com/ytret/os/kernel/gdt"
	"github.com/ytret/os/kernel/kfmt"
	"github.com/ytret/os/kernel/mm"
	"github.com/ytret/os/kernel/mm/vmm"
)

// Kernel stacks are carved out of the top of the address space, one guard
// page between neighbours.
const kstackRegionTop = uint32(0xffc00000)

// fatalFaultStatus is the exit status recorded for processes killed by an
// unhandled fault.
const fatalFaultStatus = int32(-1)

var (
	errNotInitialized  = &kernel.Error{Module: "task", Message: "manager is not initialized"}
	errReinit          = &kernel.Error{Module: "task", Message: "manager is already initialized"}
	errNoCurrentThread = &kernel.Error{Module: "task", Message: "no thread is running"}
	errProcessExited   = &kernel.Error{Module: "task", Message: "process has already exited"}
	errAlreadyUsermode = &kernel.Error{Module: "task", Message: "thread already entered usermode"}
)

// state is the manager singleton. The target is single-CPU and the manager
// runs with interrupts masked, so no locking is involved.
var state managerState

type managerState struct {
	initialized bool

	policy  Policy
	current *Thread
	idle    *Thread

	procs   map[uint32]*Process
	threads map[uint32]*Thread

	blocked  map[Event][]*Thread
	sleepers []*Thread

	// tickThreshold is the number of timer ticks a thread may keep the
	// CPU before it is preempted.
	tickThreshold  uint64
	ticksSinceSw   uint64
	currentTick    uint64
	nextThreadID   uint32
	nextProcessID  uint32
	nextKstackTop  uint32
	pendingReclaim []*Thread
	pendingSpaces  []*vmm.AddressSpace
}

// Init sets up the manager singleton: the id counters, the round-robin run
// queue, the idle thread and the process-fatal fault wiring. tickThreshold
// is the number of timer ticks between preemptions; zero selects preemption
// on every tick.
func Init(tickThreshold uint64) *kernel.Error {
	if state.initialized {
		return errReinit
	}
	if tickThreshold == 0 {
		tickThreshold = 1
	}

	state.policy = &roundRobin{}
	state.procs = make(map[uint32]*Process)
	state.threads = make(map[uint32]*Thread)
	state.blocked = make(map[Event][]*Thread)
	state.tickThreshold = tickThreshold
	state.nextThreadID = 1
	state.nextProcessID = 1
	state.nextKstackTop = kstackRegionTop
	state.initialized = true

	// The kernel's own process hosts the idle thread and any other pure
	// kernel threads.
	kernelProc, err := createProcess(vmm.KernelSpace(), 0)
	if err != nil {
		return err
	}

	idle, err := CreateThread(kernelProc, 0, 0)
	if err != nil {
		return err
	}
	state.policy.Remove(idle)
	idle.state = ThreadReady
	state.idle = idle

	// The idle thread starts as the running context until the first real
	// thread is switched in.
	idle.state = ThreadRunning
	state.current = idle

	vmm.SetProcessFatalHandler(terminateFaultingProcess)
	return nil
}

// CreateProcess builds a process around its own user address space.
func CreateProcess(parent *Process) (*Process, *kernel.Error) {
	if !state.initialized {
		return nil, errNotInitialized
	}

	space, err := vmm.NewUserSpace()
	if err != nil {
		return nil, err
	}
	if err := space.ReserveDemand(
		mm.Region{Start: UserStackBottom, End: UserStackTop},
		vmm.FlagRW|vmm.FlagUserAccessible,
	); err != nil {
		return nil, err
	}

	parentID := uint32(0)
	if parent != nil {
		parentID = parent.id
	}
	return createProcess(space, parentID)
}

func createProcess(space *vmm.AddressSpace, parentID uint32) (*Process, *kernel.Error) {
	proc := &Process{
		id:       state.nextProcessID,
		parentID: parentID,
		space:    space,
		threads:  make(map[uint32]*Thread),
		mmapNext: UserProgramStart,
	}
	state.nextProcessID++
	state.procs[proc.id] = proc
	return proc, nil
}

// adoptSpace wraps an already-built address space in a new process. Fork
// uses it after cloning the parent's space.
func adoptSpace(space *vmm.AddressSpace, parent *Process) (*Process, *kernel.Error) {
	if !state.initialized {
		return nil, errNotInitialized
	}
	proc, err := createProcess(space, parent.id)
	if err != nil {
		return nil, err
	}
	proc.mmapNext = parent.mmapNext
	return proc, nil
}

// CreateThread builds a ready thread inside proc with a prefilled kernel
// stack so the first switch onto it lands at entryAddr.
func CreateThread(proc *Process, entryAddr, tls uint32) (*Thread, *kernel.Error) {
	if !state.initialized {
		return nil, errNotInitialized
	}
	if proc.exited {
		return nil, errProcessExited
	}

	topAddr := state.nextKstackTop
	state.nextKstackTop -= stackBytes + mm.PageSize

	t := &Thread{
		id:     state.nextThreadID,
		proc:   proc,
		state:  ThreadReady,
		kstack: newFilledStack(topAddr, entryAddr),
		tls:    tls,
	}
	t.sp = t.kstack.SPAddress()
	state.nextThreadID++

	proc.threads[t.id] = t
	state.threads[t.id] = t
	state.policy.Enqueue(t)
	return t, nil
}

// CurrentThread returns the thread that owns the CPU.
func CurrentThread() *Thread {
	return state.current
}

// CurrentProcess returns the process of the running thread.
func CurrentProcess() *Process {
	if state.current == nil {
		return nil
	}
	return state.current.proc
}

// ProcessByID looks up a live process.
func ProcessByID(id uint32) *Process {
	return state.procs[id]
}

// ThreadCount returns the number of live threads, the idle thread included.
func ThreadCount() int {
	return len(state.threads)
}

// SetTLS records the running thread's thread-local storage base. The TLS
// segment is reloaded from it on the thread's next usermode entry.
func SetTLS(tls uint32) *kernel.Error {
	if state.current == nil {
		return errNoCurrentThread
	}
	state.current.tls = tls
	return nil
}

// Yield gives up the CPU voluntarily. The caller rejoins the back of the run
// queue, so with only one ready thread the switch is a no-op.
func Yield() {
	schedule(ThreadReady)
}

// Block parks the running thread until event is signaled. The zero event is
// the not-blocked sentinel in the control block and cannot be waited on.
func Block(event Event) {
	if event == 0 || state.current == nil || state.current == state.idle {
		return
	}
	state.current.blockedOn = event
	state.blocked[event] = append(state.blocked[event], state.current)
	schedule(ThreadBlocked)
}

// Unblock readies every thread waiting for event. Woken threads join the
// back of the run queue; the running thread keeps the CPU until its slice
// expires.
func Unblock(event Event) {
	waiters := state.blocked[event]
	if len(waiters) == 0 {
		return
	}
	delete(state.blocked, event)

	for _, t := range waiters {
		t.blockedOn = 0
		t.state = ThreadReady
		state.policy.Enqueue(t)
	}
}

// SleepUntil parks the running thread until the kernel clock reaches tick.
// A tick that already passed returns immediately.
func SleepUntil(tick uint64) {
	if tick <= state.currentTick || state.current == nil || state.current == state.idle {
		return
	}
	state.current.wakeTick = tick
	state.sleepers = append(state.sleepers, state.current)
	schedule(ThreadBlocked)
}

// Tick advances the kernel clock: due sleepers wake and the running thread
// is preempted once its slice is used up. It is driven by the timer
// interrupt.
func Tick(tick uint64) {
	state.currentTick = tick

	remaining := state.sleepers[:0]
	for _, t := range state.sleepers {
		if t.wakeTick <= tick {
			t.wakeTick = 0
			t.state = ThreadReady
			state.policy.Enqueue(t)
		} else {
			remaining = append(remaining, t)
		}
	}
	state.sleepers = remaining

	state.ticksSinceSw++
	if state.ticksSinceSw >= state.tickThreshold {
		schedule(ThreadReady)
	}
}

// ExitThread terminates the running thread. Its stack is reclaimed after the
// CPU has switched off it; the process ends when its last thread exits.
func ExitThread() {
	t := state.current
	if t == nil || t == state.idle {
		return
	}

	delete(t.proc.threads, t.id)
	if len(t.proc.threads) == 0 && !t.proc.exited {
		t.proc.setExitStatus(0)
		destroyProcess(t.proc)
	}

	schedule(ThreadTerminated)
}

// ExitProcess terminates the running thread's whole process with the given
// status. Sibling threads die in place; only the running one needs the
// deferred stack reclamation.
func ExitProcess(status int32) {
	t := state.current
	if t == nil || t == state.idle {
		return
	}

	terminateProcess(t.proc, status)
}

func terminateProcess(proc *Process, status int32) {
	proc.setExitStatus(status)

	runningDies := false
	for _, t := range proc.threads {
		delete(state.threads, t.id)
		if t == state.current {
			runningDies = true
			continue
		}
		removeWaiter(t)
		state.policy.Remove(t)
		t.state = ThreadTerminated
		t.kstack = nil
	}
	proc.threads = make(map[uint32]*Thread)
	destroyProcess(proc)

	if runningDies {
		scheduleTerminated()
	}
}

// destroyProcess drops the process table entry and releases its address
// space. An active space stays alive until the switch away and is destroyed
// then.
func destroyProcess(proc *Process) {
	for fd := range proc.files {
		if proc.files[fd] != nil {
			proc.CloseFile(uint32(fd))
		}
	}
	delete(state.procs, proc.id)

	if proc.space != nil && proc.space != vmm.KernelSpace() {
		if err := proc.space.Destroy(); err != nil {
			// Still active; the next switch retries.
			state.pendingSpaces = append(state.pendingSpaces, proc.space)
		}
	}
}

// terminateFaultingProcess is installed as the fault manager's process-fatal
// handler: the faulting process dies, everything else keeps running.
func terminateFaultingProcess(regs *gate.Registers, faultAddr uint32) {
	proc := CurrentProcess()
	if proc == nil || state.current == state.idle {
		kfmt.Panic(&kernel.Error{Module: "task", Message: "fatal fault outside any process"})
		return
	}

	kfmt.Printf("[task] killing process %d: unhandled fault at address %x (eip %x)\n",
		proc.id, faultAddr, regs.EIP)
	terminateProcess(proc, fatalFaultStatus)
}

func removeWaiter(t *Thread) {
	if t.blockedOn != 0 {
		waiters := state.blocked[t.blockedOn]
		for waiterIndex, waiter := range waiters {
			if waiter == t {
				state.blocked[t.blockedOn] = append(waiters[:waiterIndex], waiters[waiterIndex+1:]...)
				break
			}
		}
		t.blockedOn = 0
	}
	for sleeperIndex, sleeper := range state.sleepers {
		if sleeper == t {
			state.sleepers = append(state.sleepers[:sleeperIndex], state.sleepers[sleeperIndex+1:]...)
			break
		}
	}
}

// schedule moves the CPU to the next ready thread, leaving the current one
// in prevState.
func schedule(prevState ThreadState) {
	prev := state.current

	next := state.policy.Pick()
	if next == nil {
		if prevState == ThreadReady && prev != nil && prev != state.idle {
			// Sole ready thread; keep running.
			state.ticksSinceSw = 0
			return
		}
		next = state.idle
	}

	if prev == state.idle {
		prev.state = ThreadReady
	} else if prev != nil {
		prev.state = prevState
		switch prevState {
		case ThreadReady:
			state.policy.Enqueue(prev)
		case ThreadTerminated:
			delete(state.threads, prev.id)
			state.pendingReclaim = append(state.pendingReclaim, prev)
		}
	}

	switchTo(next)
}

// scheduleTerminated is the schedule path for a running thread that was
// already detached from its process by terminateProcess.
func scheduleTerminated() {
	prev := state.current
	prev.state = ThreadTerminated
	state.pendingReclaim = append(state.pendingReclaim, prev)

	next := state.policy.Pick()
	if next == nil {
		next = state.idle
	}
	switchTo(next)
}

func switchTo(next *Thread) {
	prev := state.current
	state.ticksSinceSw = 0

	next.state = ThreadRunning
	state.current = next
	Switch(prev, next, &gdt.TSS)

	reclaim()

	if next == state.idle {
		// Nothing to run; stop the CPU until an interrupt arrives.
		cpu.Halt()
	}
}

// reclaim frees the stacks of threads that terminated while running, now
// that the CPU is off them, and destroys address spaces that were still
// active at process exit.
func reclaim() {
	for _, t := range state.pendingReclaim {
		t.kstack = nil
	}
	state.pendingReclaim = state.pendingReclaim[:0]

	retry := state.pendingSpaces[:0]
	for _, space := range state.pendingSpaces {
		if err := space.Destroy(); err != nil {
			retry = append(retry, space)
		}
	}
	state.pendingSpaces = retry
}

// ResetForTest drops the manager singleton so tests can bring up a fresh
// instance.
func ResetForTest() {
	state = managerState{}
}
