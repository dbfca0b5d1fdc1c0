package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/makerhub/printfarm/events"
	"github.com/makerhub/printfarm/files"
	"github.com/makerhub/printfarm/ports"
	"github.com/makerhub/printfarm/printer"
	"github.com/makerhub/printfarm/serial"
	"github.com/makerhub/printfarm/server"
	"github.com/makerhub/printfarm/storage"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Printf("Print farm coordinator starting")
	log.Printf("Server: %s", cfg.ListenAddr())

	hub := events.NewHub()

	store, err := storage.Open(cfg.Database.Path, hub)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	log.Printf("Database: %s", cfg.Database.Path)

	fm, err := files.NewManager(cfg.Files.UploadsDir, cfg.Files.TempCSVDir)
	if err != nil {
		log.Fatalf("Failed to initialize file manager: %v", err)
	}
	log.Printf("Uploads directory: %s", cfg.Files.UploadsDir)

	// The registry and resolver reference each other: workers invoke the
	// resolver before connecting, and a repair pushes the corrected
	// device path back into the worker.
	var resolver *ports.Resolver

	registry := printer.NewRegistry(printer.Deps{
		Sink:    hub,
		Store:   store,
		Scratch: fm,
		Open:    serial.OpenPort,
		Repair: func() {
			if err := resolver.Repair(); err != nil {
				log.Printf("Port repair failed: %v", err)
			}
		},
	})

	resolver = ports.NewResolver(hub, serial.OpenPort,
		func(hwid string) (int, string, bool) {
			p, ok, err := store.PrinterByHwid(hwid)
			if err != nil || !ok {
				return 0, "", false
			}
			return p.ID, p.Device, true
		},
		func(device string) (int, string, bool) {
			printers, err := store.Printers()
			if err != nil {
				return 0, "", false
			}
			for _, p := range printers {
				if p.Device == device {
					return p.ID, p.Name, true
				}
			}
			return 0, "", false
		},
		func(id int, device string) {
			if err := store.UpdatePrinterDevice(id, device); err != nil {
				log.Printf("Failed to persist device for printer %d: %v", id, err)
			}
			if w := registry.FindByID(id); w != nil {
				w.Printer.SetDevice(device)
			}
		},
	)

	// Rebuild workers for every stored printer.
	stored, err := store.Printers()
	if err != nil {
		log.Fatalf("Failed to load printers: %v", err)
	}
	descs := make([]printer.Descriptor, 0, len(stored))
	for _, p := range stored {
		descs = append(descs, printer.Descriptor{
			ID:          p.ID,
			Device:      p.Device,
			Description: p.Description,
			Hwid:        p.Hwid,
			Name:        p.Name,
		})
	}
	registry.CreateFromDescriptors(descs)
	log.Printf("Started %d printer worker(s)", len(descs))

	srv := server.NewServer(server.Config{
		Host:          cfg.Server.Host,
		Port:          cfg.Server.Port,
		RetentionDays: cfg.Retention.Days,
	}, store, registry, resolver, fm, hub)

	// Handle graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down...", sig)

		registry.StopAll()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		store.Close()

		os.Exit(0)
	}()

	if err := srv.Start(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
