package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"

	"github.com/belgio99/k8s-carbonrouter-sub000/pkg/scheduler"
	"github.com/belgio99/k8s-carbonrouter-sub000/pkg/scheduler/config"
)

func main() {
	klogFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(klogFlags)
	pflag.CommandLine.AddGoFlagSet(klogFlags)
	pflag.Parse()
	if level := os.Getenv("LOGLEVEL"); level != "" {
		if err := klogFlags.Set("v", level); err != nil {
			klog.ErrorS(err, "Invalid LOGLEVEL", "value", level)
		}
	}
	defer klog.Flush()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		klog.ErrorS(err, "Configuration load failed")
		os.Exit(1)
	}

	registry := scheduler.NewRegistry(func(namespace, name string) (*scheduler.Session, error) {
		return scheduler.NewSession(namespace, name, cfg.Clone())
	})
	defer registry.Close()

	// The default session exists from boot so GET /schedule never 404s.
	if _, err := registry.GetOrCreate(cfg.DefaultNamespace, cfg.DefaultName); err != nil {
		klog.ErrorS(err, "Default session creation failed",
			"namespace", cfg.DefaultNamespace, "schedule", cfg.DefaultName)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", scheduler.NewServer(registry, cfg.DefaultNamespace, cfg.DefaultName))
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler: mux,
	}

	var g run.Group
	g.Add(func() error {
		klog.InfoS("Decision engine listening",
			"addr", server.Addr,
			"policy", cfg.PolicyName,
			"namespace", cfg.DefaultNamespace,
			"schedule", cfg.DefaultName)
		return server.ListenAndServe()
	}, func(error) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	})
	g.Add(run.SignalHandler(context.Background(), syscall.SIGINT, syscall.SIGTERM))

	if err := g.Run(); err != nil {
		klog.InfoS("Decision engine stopped", "reason", err)
	}
}
