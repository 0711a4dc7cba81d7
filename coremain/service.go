package coremain

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pmkol/secdata/mlog"
)

var svcCfg = &service.Config{
	Name:        "secdata",
	DisplayName: "secdata",
	Description: "REST api over public company filings data.",
}

var svc service.Service

type serverService struct {
	gf *globalFlags
	sf *serverFlags

	m    sync.Mutex
	app  *App
	done chan error
}

func (ss *serverService) Start(s service.Service) error {
	mlog.L().Info("starting service", zap.String("platform", s.Platform()))
	ss.done = make(chan error, 1)
	go func() {
		err := StartServer(ss.gf, ss.sf, func(a *App) {
			ss.m.Lock()
			ss.app = a
			ss.m.Unlock()
		})
		if err != nil {
			mlog.L().Error("server exited", zap.Error(err))
		}
		ss.done <- err
		if err != nil && !service.Interactive() {
			os.Exit(1)
		}
	}()
	return nil
}

func (ss *serverService) Stop(s service.Service) error {
	mlog.L().Info("stopping service")
	ss.m.Lock()
	a := ss.app
	ss.m.Unlock()
	if a == nil {
		return nil
	}
	a.GetSafeClose().SendCloseSignal(nil)
	return <-ss.done
}

func initService(gf *globalFlags) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		s, err := service.New(&serverService{gf: gf, sf: new(serverFlags)}, svcCfg)
		if err != nil {
			return fmt.Errorf("cannot init service, %w", err)
		}
		svc = s
		return nil
	}
}

func newServiceCmd(gf *globalFlags) *cobra.Command {
	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the api server as a system service.",
	}
	serviceCmd.PersistentPreRunE = initService(gf)
	serviceCmd.AddCommand(
		newSvcInstallCmd(gf),
		newSvcUninstallCmd(),
		newSvcControlCmd("start", "Start the service."),
		newSvcControlCmd("stop", "Stop the service."),
		newSvcControlCmd("restart", "Restart the service."),
		newSvcStatusCmd(),
	)
	return serviceCmd
}

func newSvcInstallCmd(gf *globalFlags) *cobra.Command {
	sf := new(serverFlags)
	cmd := &cobra.Command{
		Use:   "install [-d working_dir] [-c config_file]",
		Short: "Install the api server as a system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			args = []string{"serve", "--as-service"}
			if len(sf.dir) > 0 {
				dir, err := filepath.Abs(sf.dir)
				if err != nil {
					return fmt.Errorf("cannot resolve working dir, %w", err)
				}
				args = append(args, "-d", dir)
			}
			if len(gf.c) > 0 {
				c, err := filepath.Abs(gf.c)
				if err != nil {
					return fmt.Errorf("cannot resolve config file, %w", err)
				}
				args = append(args, "-c", c)
			}
			svcCfg.Arguments = args
			s, err := service.New(&serverService{gf: gf, sf: sf}, svcCfg)
			if err != nil {
				return err
			}
			return s.Install()
		},
		DisableFlagsInUseLine: true,
	}
	cmd.Flags().StringVarP(&sf.dir, "dir", "d", "", "working dir of the service")
	return cmd
}

func newSvcUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Uninstall the service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.Uninstall()
		},
	}
}

func newSvcControlCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return service.Control(svc, action)
		},
	}
}

func newSvcStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the status of the service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := svc.Status()
			if err != nil {
				if errors.Is(err, service.ErrNotInstalled) {
					fmt.Fprintln(cmd.OutOrStdout(), "not installed")
					return nil
				}
				return fmt.Errorf("cannot get service status, %w", err)
			}
			var out string
			switch s {
			case service.StatusRunning:
				out = "running"
			case service.StatusStopped:
				out = "stopped"
			default:
				out = "unknown"
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
}
