package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/olekukonko/tablewriter"

	"github.com/hupe1980/mvstore"
)

type cmdDump struct {
	fileArg
	Map   string `long:"map" short:"m" description:"Name of the map whose entries are printed"`
	Limit int    `long:"limit" short:"n" default:"100" description:"Maximum number of entries to print, 0 for all"`
}

func (cmd *cmdDump) Execute([]string) error {
	s, err := openReadOnly(cmd.File.Path)
	if err != nil {
		return err
	}
	defer s.Close()

	if cmd.Map != "" {
		return cmd.dumpEntries(s)
	}
	return cmd.listMaps(s)
}

func (cmd *cmdDump) listMaps(s *mvstore.Store) error {
	names, err := s.MapNames()
	if err != nil {
		return err
	}
	var table = tablewriter.NewWriter(stdout)
	table.Header("ID", "Name", "Key", "Value", "Created", "Entries")
	for _, name := range names {
		info, _, err := s.MapInfo(name)
		if err != nil {
			return err
		}
		var size = "?"
		if m, ok, err := s.OpenUntypedMap(name); err == nil && ok {
			size = strconv.FormatInt(m.Size(), 10)
		} else if err != nil && !errors.Is(err, mvstore.ErrUnknownDataType) {
			return err
		}
		var row = []string{
			strconv.Itoa(info.ID),
			info.Name,
			info.KeyType,
			info.ValueType,
			strconv.FormatInt(info.CreateVersion, 10),
			size,
		}
		if err := table.Append(row); err != nil {
			return err
		}
	}
	return table.Render()
}

func (cmd *cmdDump) dumpEntries(s *mvstore.Store) error {
	m, ok, err := s.OpenUntypedMap(cmd.Map)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("map %q not found", cmd.Map)
	}
	var table = tablewriter.NewWriter(stdout)
	table.Header("Key", "Value")
	var cur = m.Cursor(nil)
	for n := 0; (cmd.Limit == 0 || n < cmd.Limit) && cur.Next(); n++ {
		if err := table.Append([]string{format(cur.Key()), format(cur.Value())}); err != nil {
			return err
		}
	}
	if err := cur.Err(); err != nil {
		return err
	}
	return table.Render()
}

func format(v any) string {
	if b, ok := v.([]byte); ok {
		return fmt.Sprintf("%x", b)
	}
	return fmt.Sprint(v)
}
