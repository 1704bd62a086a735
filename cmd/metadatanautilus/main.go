// Command metadata-nautilus converts legacy per-directory XML metadata
// dumps (the gnome-vfs "metafile.xml" format, one file per directory,
// its own filename percent-encoding the directory's path) into a single
// metatree image (spec.md §6 "metadata-nautilus").
package main

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gvfsd/ftpfs/metatree"
)

// metafileXML mirrors the legacy per-directory dump: one <file> element
// per child name (or "." for the directory's own attributes), each
// carrying <attribute> elements that are either a single value="..."
// (scalar) or nested <value> children (stringv).
type metafileXML struct {
	XMLName xml.Name     `xml:"metafile"`
	Files   []fileXML    `xml:"file"`
}

type fileXML struct {
	Name       string    `xml:"name,attr"`
	Attributes []attrXML `xml:"attribute"`
}

type attrXML struct {
	Name   string   `xml:"name,attr"`
	Type   string   `xml:"type,attr"`
	Value  string   `xml:"value,attr"`
	Values []string `xml:"value"`
}

func main() {
	var out string

	cmd := &cobra.Command{
		Use:   "metadata-nautilus <xml-file>...",
		Short: "Convert legacy XML metadata dumps into a metatree image",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				return fmt.Errorf("metadata-nautilus: -o <out> is required")
			}
			dir := filepath.Dir(out)
			name := strings.TrimSuffix(filepath.Base(out), filepath.Ext(out))

			s, err := metatree.Open(dir, name)
			if err != nil {
				return fmt.Errorf("open output tree: %w", err)
			}
			defer s.Close()

			for _, xmlPath := range args {
				if err := importMetafile(s, xmlPath); err != nil {
					return fmt.Errorf("%s: %w", xmlPath, err)
				}
			}
			return s.Rotate()
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output image path")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "metadata-nautilus:", err)
		os.Exit(1)
	}
}

func importMetafile(s *metatree.Store, xmlPath string) error {
	dirPath := decodeMetafileName(filepath.Base(xmlPath))

	data, err := os.ReadFile(xmlPath)
	if err != nil {
		return err
	}
	var mf metafileXML
	if err := xml.Unmarshal(data, &mf); err != nil {
		return fmt.Errorf("parse: %w", err)
	}

	for _, f := range mf.Files {
		target := dirPath
		if f.Name != "." {
			target = joinMeta(dirPath, f.Name)
		}
		if target == "/" || target == "" {
			// The image format has no root-level attribute slot; a "."
			// entry for the top-level metafile can't be represented.
			fmt.Fprintf(os.Stderr, "metadata-nautilus: skipping root attributes in %s (unsupported by this format)\n", xmlPath)
			continue
		}
		for _, a := range f.Attributes {
			if a.Type == "stringv" || len(a.Values) > 0 {
				if err := s.Set(target, a.Name, metatree.Value{List: a.Values, IsList: true}); err != nil {
					return err
				}
				continue
			}
			if err := s.Set(target, a.Name, metatree.Value{List: []string{a.Value}}); err != nil {
				return err
			}
		}
	}
	return nil
}

// decodeMetafileName reverses the legacy filename mangling that stood
// in for a real path separator, so "%home%user%docs.xml" becomes
// "/home/user/docs".
func decodeMetafileName(base string) string {
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if !strings.HasPrefix(base, "%") {
		return "/" + base
	}
	return strings.ReplaceAll(base, "%", "/")
}

func joinMeta(base, name string) string {
	if base == "/" {
		return "/" + name
	}
	return base + "/" + name
}
