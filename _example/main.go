package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/hupe1980/mvstore"
)

func main() {
	dir, err := os.MkdirTemp("", "mvstore-example")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	cfg := mvstore.DefaultConfig(filepath.Join(dir, "example.mv.db"))
	cfg.Compression = mvstore.CompressionLZ4

	s, err := mvstore.Open(cfg, mvstore.WithLogLevel(slog.LevelInfo))
	if err != nil {
		log.Fatal(err)
	}

	users, err := mvstore.OpenMap(s, "users", mvstore.LongType{}, mvstore.StringType{})
	if err != nil {
		log.Fatal(err)
	}
	for i := int64(1); i <= 10000; i++ {
		if _, _, err := users.Put(i, fmt.Sprintf("user-%05d", i)); err != nil {
			log.Fatal(err)
		}
	}
	v1, err := s.Commit()
	if err != nil {
		log.Fatal(err)
	}

	// A snapshot keeps seeing version v1 while the map changes.
	snap := users.Snapshot()
	for i := int64(1); i <= 5000; i++ {
		if _, _, err := users.Remove(i); err != nil {
			log.Fatal(err)
		}
	}
	v2, err := s.Commit()
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("version %d: %d users, version %d: %d users\n", v1, snap.Size(), v2, users.Size())

	name, ok, err := users.Get(7500)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println("user 7500:", name, ok)

	if _, err := s.Compact(80, 16<<20); err != nil {
		log.Fatal(err)
	}
	st := s.Stats()
	fmt.Printf("chunks=%d fill=%d%% size=%d bytes\n", st.Chunks, st.ChunkFillRate, st.FileSize)

	if err := s.Close(); err != nil {
		log.Fatal(err)
	}
}
