package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/leeineian/tempo/home"
	"github.com/leeineian/tempo/proc"
	"github.com/leeineian/tempo/source"
	"github.com/leeineian/tempo/sys"
)

const pidFile = ".bot.pid"

func main() {
	// LogFatal panics so deferred cleanup runs
	defer func() {
		if r := recover(); r != nil {
			if msg, ok := r.(string); ok {
				fmt.Fprintf(os.Stderr, "\n[FATAL] %s\n", msg)
				os.Exit(1)
			}
			panic(r)
		}
	}()

	silent := flag.Bool("silent", false, "Disable all log output")
	skipReg := flag.Bool("skip-reg", false, "Skip command registration")
	flag.Parse()

	cfg, err := sys.LoadConfig()
	if err != nil {
		sys.LogFatal(sys.MsgConfigFailedToLoad, err)
	}
	if *silent {
		cfg.Silent = true
	}

	sys.InitLogger(cfg.Silent, true)

	if err := sys.InitDatabase(context.Background(), cfg.DatabasePath); err != nil {
		sys.LogFatal("Failed to initialize database: %v", err)
	}
	defer sys.CloseDatabase()

	sys.LogInfo(sys.MsgBotStarting, sys.GetProjectName())

	unlock, err := acquirePIDLock()
	if err != nil {
		sys.LogFatal("Failed to lock PID file: %v", err)
	}
	defer unlock()

	if err := run(cfg, *skipReg); err != nil {
		sys.LogFatal(sys.MsgGenericError, err)
	}
}

// acquirePIDLock takes an exclusive lock on the PID file, asking a running
// instance to exit first.
func acquirePIDLock() (func(), error) {
	f, err := os.OpenFile(pidFile, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(10 * time.Second)
	signaled := false
	for {
		err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			break
		}
		if err != syscall.EWOULDBLOCK {
			_ = f.Close()
			return nil, err
		}
		if time.Now().After(deadline) {
			_ = f.Close()
			return nil, fmt.Errorf("another instance still holds %s", pidFile)
		}

		var oldPid int
		_, _ = f.Seek(0, 0)
		if _, scanErr := fmt.Fscanf(f, "%d", &oldPid); scanErr == nil && !signaled && oldPid != os.Getpid() {
			if process, procErr := os.FindProcess(oldPid); procErr == nil {
				sys.LogInfo("Stopping running instance... (PID: %d)", oldPid)
				_ = process.Signal(syscall.SIGTERM)
				signaled = true
			}
		}
		time.Sleep(100 * time.Millisecond)
	}

	_ = f.Truncate(0)
	_, _ = f.Seek(0, 0)
	_, _ = fmt.Fprintf(f, "%d", os.Getpid())
	_ = f.Sync()

	return func() {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
		_ = os.Remove(pidFile)
	}, nil
}

func run(cfg *sys.Config, skipReg bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()

	sys.SetAppContext(ctx)

	client, err := sys.CreateClient(cfg)
	if err != nil {
		return fmt.Errorf("failed to create Discord client: %w", err)
	}
	defer client.Close(context.Background())

	chain, err := source.NewPlayerChain(ctx, source.ChainConfigFromConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to build resolver chain: %w", err)
	}

	var planner source.RoutePlanner
	if chain.Planner != nil {
		planner = chain.Planner
	}

	registry, err := proc.NewRegistry(proc.RegistryConfig{
		Limit:     cfg.MusicLimit,
		Chain:     chain,
		Privilege: proc.NewDatabasePrivilegeOracle(),
		Presence:  proc.NewClientPresenceOracle(client),
		NewEngine: proc.PlayerFactory(client, planner),
	})
	if err != nil {
		return fmt.Errorf("failed to create player registry: %w", err)
	}
	defer registry.Shutdown()

	home.Register(&home.Handlers{Registry: registry, Config: cfg})

	if !skipReg {
		if err := sys.RegisterCommands(ctx, client, cfg.GuildID); err != nil {
			sys.LogError(sys.MsgBotRegisterFail, err)
		}
	} else {
		sys.LogInfo("Skipping command registration as requested.")
	}

	if err := client.OpenGateway(ctx); err != nil {
		return fmt.Errorf("failed to open gateway: %w", err)
	}

	<-ctx.Done()
	if !cfg.Silent {
		fmt.Println()
	}

	sys.LogInfo("Shutting down all daemons...")
	sys.ShutdownDaemons()

	if self, ok := client.Caches.SelfUser(); ok {
		sys.LogInfo(sys.MsgBotShutdown, self.Username)
	} else {
		sys.LogInfo(sys.MsgBotShutdown, sys.GetProjectName())
	}
	return nil
}
