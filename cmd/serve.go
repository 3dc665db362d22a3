package cmd

import (
	"net"

	"github.com/spf13/cobra"

	"github.com/ollama/diffusion/envconfig"
	"github.com/ollama/diffusion/server"
)

func RunServer(cmd *cobra.Command, _ []string) error {
	name, _ := cmd.Flags().GetString("model")
	path, err := modelPath(name)
	if err != nil {
		return err
	}

	s, err := server.Load(path, envconfig.NumThreads)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", envconfig.Host)
	if err != nil {
		return err
	}

	return server.Serve(ln, s)
}
