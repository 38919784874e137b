package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"path"

	"github.com/spf13/cobra"
)

type stopCMD struct {
}

func newStopCMD() *stopCMD {
	return &stopCMD{}
}

func (s *stopCMD) CMD() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "stop the jmapd server",
		RunE:  s.run,
	}
	return cmd
}

func (s *stopCMD) run(cmd *cobra.Command, args []string) error {
	strb, err := os.ReadFile(path.Join(serverOpts.DataDir, pidfile))
	if err != nil {
		return err
	}
	command := exec.Command("kill", string(strb))
	if err := command.Start(); err != nil {
		fmt.Println("Error: ", err)
		return err
	}
	if err := command.Wait(); err != nil {
		fmt.Println("Error: ", err)
		return err
	}
	fmt.Println("jmapd server stopped")
	return nil
}
