// Command mkfs builds a flat filesystem image from a YAML manifest or a
// directory of files.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/schollz/progressbar/v3"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/rvos/internal/kernel/kfs"
)

// Manifest lists the files to pack, in dentry order.
type Manifest struct {
	Files []struct {
		Name string `yaml:"name"`
		Path string `yaml:"path"`
	} `yaml:"files"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mkfs: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	manifestPath := flag.String("manifest", "", "YAML manifest of files to pack")
	dir := flag.String("dir", "", "Pack every regular file in this directory")
	out := flag.String("out", "fs.img", "Output image path")
	dbg := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *dbg {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(
		os.Stderr, &slog.HandlerOptions{Level: level},
	)))

	var entries []kfs.FileEntry

	switch {
	case *manifestPath != "":
		data, err := os.ReadFile(*manifestPath)
		if err != nil {
			return fmt.Errorf("read manifest: %w", err)
		}
		var manifest Manifest
		if err := yaml.Unmarshal(data, &manifest); err != nil {
			return fmt.Errorf("parse manifest: %w", err)
		}
		for _, f := range manifest.Files {
			contents, err := os.ReadFile(f.Path)
			if err != nil {
				return fmt.Errorf("read %s: %w", f.Path, err)
			}
			name := f.Name
			if name == "" {
				name = filepath.Base(f.Path)
			}
			entries = append(entries, kfs.FileEntry{Name: name, Data: contents})
		}

	case *dir != "":
		items, err := os.ReadDir(*dir)
		if err != nil {
			return fmt.Errorf("read dir: %w", err)
		}
		sort.Slice(items, func(i, j int) bool { return items[i].Name() < items[j].Name() })
		for _, item := range items {
			if !item.Type().IsRegular() {
				continue
			}
			contents, err := os.ReadFile(filepath.Join(*dir, item.Name()))
			if err != nil {
				return fmt.Errorf("read %s: %w", item.Name(), err)
			}
			entries = append(entries, kfs.FileEntry{Name: item.Name(), Data: contents})
		}

	default:
		return fmt.Errorf("one of -manifest or -dir is required")
	}

	img, err := kfs.BuildImage(entries)
	if err != nil {
		return err
	}

	f, err := os.Create(*out)
	if err != nil {
		return fmt.Errorf("create %s: %w", *out, err)
	}
	defer f.Close()

	bar := progressbar.DefaultBytes(int64(len(img)), "writing "+*out)
	written := 0
	for written < len(img) {
		n := min(kfs.BlockSize, len(img)-written)
		if _, err := f.Write(img[written : written+n]); err != nil {
			return fmt.Errorf("write image: %w", err)
		}
		bar.Add(n)
		written += n
	}
	bar.Finish()

	slog.Info("image written", "path", *out, "files", len(entries), "bytes", len(img))
	return nil
}
