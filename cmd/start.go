package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"path"

	"github.com/spf13/cobra"
)

const pidfile = "jmapd.pid"

type startCMD struct {
}

func newStartCMD() *startCMD {
	return &startCMD{}
}

func (s *startCMD) CMD() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "start the jmapd server in the background",
		RunE:  s.run,
	}
	return cmd
}

func (s *startCMD) run(cmd *cobra.Command, args []string) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	daemonArgs := make([]string, 0, len(os.Args))
	for _, arg := range os.Args[1:] {
		if arg == "start" {
			continue
		}
		daemonArgs = append(daemonArgs, arg)
	}
	command := exec.Command(exe, daemonArgs...)
	command.Stdout = os.Stdout
	command.Stderr = os.Stderr
	if err := command.Start(); err != nil {
		return err
	}
	if err := os.WriteFile(path.Join(serverOpts.DataDir, pidfile), []byte(fmt.Sprintf("%d", command.Process.Pid)), 0644); err != nil {
		return err
	}
	fmt.Println("jmapd server started, pid:", command.Process.Pid)
	return nil
}
