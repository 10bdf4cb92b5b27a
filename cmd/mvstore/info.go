package main

import (
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v2"

	"github.com/hupe1980/mvstore"
)

type cmdInfo struct {
	fileArg
	Format string `long:"format" short:"o" choice:"table" choice:"yaml" default:"table" description:"Output format"`
}

// infoDoc is the YAML form of the info output.
type infoDoc struct {
	File          string      `yaml:"file"`
	Version       int64       `yaml:"version"`
	FileSize      int64       `yaml:"fileSize"`
	Chunks        int         `yaml:"chunks"`
	ChunkFillRate int         `yaml:"chunkFillRate"`
	FileFillRate  int         `yaml:"fileFillRate"`
	Maps          []string    `yaml:"maps"`
	ChunkList     []chunkDoc  `yaml:"chunkList,omitempty"`
	Cache         cacheConfig `yaml:"cache"`
}

type chunkDoc struct {
	ID        int    `yaml:"id"`
	Block     uint64 `yaml:"block"`
	Blocks    uint64 `yaml:"blocks"`
	Version   int64  `yaml:"version"`
	Pages     int    `yaml:"pages"`
	LivePages int    `yaml:"livePages"`
	FillRate  int    `yaml:"fillRate"`
}

type cacheConfig struct {
	MaxMemory int64 `yaml:"maxMemory"`
	Segments  int   `yaml:"segments"`
}

func (cmd *cmdInfo) Execute([]string) error {
	s, err := openReadOnly(cmd.File.Path)
	if err != nil {
		return err
	}
	defer s.Close()

	names, err := s.MapNames()
	if err != nil {
		return err
	}
	st := s.Stats()
	cfg := s.Config()
	doc := infoDoc{
		File:          st.FileName,
		Version:       st.LastCommittedVersion,
		FileSize:      st.FileSize,
		Chunks:        st.Chunks,
		ChunkFillRate: st.ChunkFillRate,
		FileFillRate:  st.FileFillRate,
		Maps:          names,
		Cache:         cacheConfig{MaxMemory: cfg.CacheSize, Segments: cfg.CacheConcurrency},
	}
	for _, c := range s.Chunks() {
		doc.ChunkList = append(doc.ChunkList, chunkDoc{
			ID:        c.ID,
			Block:     c.Block,
			Blocks:    c.Blocks,
			Version:   c.Version,
			Pages:     c.Pages,
			LivePages: c.LivePages,
			FillRate:  c.FillRate,
		})
	}

	switch cmd.Format {
	case "yaml":
		b, err := yaml.Marshal(doc)
		if err != nil {
			return err
		}
		_, err = stdout.Write(b)
		return err
	default:
		return cmd.outputTable(doc)
	}
}

func (cmd *cmdInfo) outputTable(doc infoDoc) error {
	var summary = tablewriter.NewWriter(stdout)
	summary.Header("Property", "Value")
	for _, row := range [][]string{
		{"File", doc.File},
		{"Version", strconv.FormatInt(doc.Version, 10)},
		{"File size", humanize.IBytes(uint64(doc.FileSize))},
		{"Chunks", strconv.Itoa(doc.Chunks)},
		{"Chunk fill rate", fmt.Sprintf("%d%%", doc.ChunkFillRate)},
		{"File fill rate", fmt.Sprintf("%d%%", doc.FileFillRate)},
		{"Maps", strconv.Itoa(len(doc.Maps))},
		{"Cache", humanize.IBytes(uint64(doc.Cache.MaxMemory))},
	} {
		if err := summary.Append(row); err != nil {
			return err
		}
	}
	if err := summary.Render(); err != nil {
		return err
	}
	if len(doc.ChunkList) == 0 {
		return nil
	}

	var chunks = tablewriter.NewWriter(stdout)
	chunks.Header("Chunk", "Block", "Size", "Version", "Pages", "Live", "Fill")
	for _, c := range doc.ChunkList {
		var row = []string{
			strconv.Itoa(c.ID),
			strconv.FormatUint(c.Block, 10),
			humanize.IBytes(c.Blocks * mvstore.BlockSize),
			strconv.FormatInt(c.Version, 10),
			strconv.Itoa(c.Pages),
			strconv.Itoa(c.LivePages),
			fmt.Sprintf("%d%%", c.FillRate),
		}
		if err := chunks.Append(row); err != nil {
			return err
		}
	}
	return chunks.Render()
}
