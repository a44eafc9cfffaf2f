// Command biscuitos boots the simulation: it wires the frame pool, swap
// disk, supplemental-page-table manager, backing filesystem, scheduler
// and process manager together, then execs the first user process and
// waits for it to exit.
package main

import (
	"fmt"
	"os"
	"runtime"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/Recordum/biscuitos/internal/frame"
	"github.com/Recordum/biscuitos/internal/fs"
	"github.com/Recordum/biscuitos/internal/process"
	"github.com/Recordum/biscuitos/internal/sched"
	"github.com/Recordum/biscuitos/internal/swapdisk"
	"github.com/Recordum/biscuitos/internal/syscall"
	"github.com/Recordum/biscuitos/internal/vm"
)

func main() {
	var (
		framePool    = pflag.Int("frame-pool-pages", 1<<12, "number of physical frames to reserve")
		swapPath     = pflag.String("swap-disk", "biscuitos.swap", "path to the backing swap disk file")
		swapSectors  = pflag.Int64("swap-disk-sectors", 1<<16, "size of the swap disk in sectors")
		swapInflight = pflag.Int64("swap-max-inflight", 4, "max concurrent swap-disk transfers")
		fsRoot       = pflag.String("fs-root", "biscuitos.fs", "host directory backing the flat filesystem")
		cpuLimit     = pflag.Int("cpu-limit", 1, "CPU ceiling; this simulation is single-CPU only, any value >1 is logged and ignored")
		initCmdline  = pflag.String("init", "bin/init", "command line exec'd as the first user process")
		logLevel     = pflag.String("log-level", "info", "logrus level: debug, info, warn, error")
	)
	pflag.Parse()

	if lvl, err := log.ParseLevel(*logLevel); err == nil {
		log.SetLevel(lvl)
	}

	if *cpuLimit > 1 {
		log.WithField("requested", *cpuLimit).Warn("multi-CPU scheduling is not supported; running single-CPU")
	}

	log.Info("              BiscuitOS")
	log.Infof("          go version: %v", runtime.Version())

	pool, err := frame.NewPool(*framePool)
	if err != nil {
		log.Fatalf("reserve frame pool: %v", err)
	}
	defer pool.Close()
	log.Infof("reserved %d frames (%d KB)", pool.Count(), pool.Count()*frame.PageSize/1024)

	disk, err := swapdisk.Open(*swapPath, *swapSectors, *swapInflight)
	if err != nil {
		log.Fatalf("open swap disk: %v", err)
	}
	defer disk.Close()
	slots := swapdisk.NewSlotTable(disk)
	log.Infof("swap disk %s: %d slots", *swapPath, slots.Capacity())

	fsys, err := fs.New(*fsRoot)
	if err != nil {
		log.Fatalf("mount filesystem: %v", err)
	}

	vmgr := &vm.Manager{Pool: pool, Slots: slots}
	dispatcher := sched.New()
	stdin := process.NewConsoleIn(os.Stdin)
	stdout := process.NewConsoleOut(os.Stdout)
	procs := process.NewManager(dispatcher, vmgr, fsys, stdin, stdout)
	sys := syscall.NewDispatcher(procs)
	sys.HaltFunc = func() {
		log.Info("halt: powering off")
		os.Exit(0)
	}

	log.Infof("start [%s]", *initCmdline)
	initd := procs.CreateInitd(*initCmdline)
	log.WithFields(log.Fields{"pid": initd.PID, "name": initd.Name}).Info("initd running")

	// There is no real user-mode instruction stream to run, so boot waits
	// for initd to reach exit() instead (driven, in a real boot, by
	// syscalls arriving through sys.Dispatch).
	<-initd.Done()
	fmt.Println("biscuitos: system halted")
}
