package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/ashureev/repo-ranger/internal/agent"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
)

var (
	agentListen  string
	agentBackend string
	agentModel   string
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Serve an agent capability over gRPC for AGENT_BACKEND=grpc",
	Args:  cobra.NoArgs,
	RunE:  runAgent,
}

func init() {
	agentCmd.Flags().StringVar(&agentListen, "listen", ":50051", "gRPC listen address")
	agentCmd.Flags().StringVar(&agentBackend, "backend", "offline", "capability to serve: offline or gemini")
	agentCmd.Flags().StringVar(&agentModel, "model", "gemini-2.5-flash", "Gemini model for --backend=gemini")
}

func runAgent(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var capability agent.Capability
	switch agentBackend {
	case "offline":
		capability = agent.NewOffline()
	case "gemini":
		key := os.Getenv("GEMINI_API_KEY")
		if key == "" {
			return errors.New("GEMINI_API_KEY is required for --backend=gemini")
		}
		g, err := agent.NewGemini(ctx, key, agentModel)
		if err != nil {
			return err
		}
		capability = g
	default:
		return fmt.Errorf("unknown agent backend %q", agentBackend)
	}

	lis, err := net.Listen("tcp", agentListen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", agentListen, err)
	}

	srv := grpc.NewServer()
	hs := agent.RegisterAgentServer(srv, capability)

	go func() {
		<-ctx.Done()
		slog.Info("Shutting down agent server...")
		hs.Shutdown()
		srv.GracefulStop()
	}()

	slog.Info("Agent server listening", "addr", lis.Addr().String(), "capability", capability.Name())
	if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("agent server: %w", err)
	}
	return nil
}
