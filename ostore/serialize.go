package ostore

import (
	"bufio"
	"compress/gzip"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// toNode renders v as a *yaml.Node, sorting Dict keys so Externalize is
// deterministic byte-for-byte across runs (a prerequisite for the
// idempotence property required of externalize/internalize round trips).
func toNode(v Value) (*yaml.Node, error) {
	switch t := v.(type) {
	case nil:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: "~"}, nil
	case Dict:
		n := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		for _, k := range t.Keys() {
			kn := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: k}
			vn, err := toNode(t[k])
			if err != nil {
				return nil, err
			}
			n.Content = append(n.Content, kn, vn)
		}
		return n, nil
	case Array:
		n := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		for _, e := range t {
			en, err := toNode(e)
			if err != nil {
				return nil, err
			}
			n.Content = append(n.Content, en)
		}
		return n, nil
	case string:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: t}, nil
	case bool:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: strconv.FormatBool(t)}, nil
	case int64:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: strconv.FormatInt(t, 10)}, nil
	case uint64:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: strconv.FormatUint(t, 10)}, nil
	case []byte:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!binary", Value: base64.StdEncoding.EncodeToString(t)}, nil
	default:
		return nil, fmt.Errorf("ostore: value of type %T is not a valid ObjectStore leaf or composite", v)
	}
}

func fromNode(n *yaml.Node) (Value, error) {
	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) != 1 {
			return nil, fmt.Errorf("ostore: malformed document")
		}
		return fromNode(n.Content[0])
	case yaml.MappingNode:
		d := make(Dict, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			key := n.Content[i].Value
			val, err := fromNode(n.Content[i+1])
			if err != nil {
				return nil, err
			}
			d[key] = val
		}
		return d, nil
	case yaml.SequenceNode:
		a := make(Array, 0, len(n.Content))
		for _, c := range n.Content {
			val, err := fromNode(c)
			if err != nil {
				return nil, err
			}
			a = append(a, val)
		}
		return a, nil
	case yaml.ScalarNode:
		switch n.Tag {
		case "!!null":
			return nil, nil
		case "!!bool":
			b, err := strconv.ParseBool(n.Value)
			if err != nil {
				return nil, fmt.Errorf("ostore: bad bool %q: %w", n.Value, err)
			}
			return b, nil
		case "!!int":
			if i, err := strconv.ParseInt(n.Value, 10, 64); err == nil {
				return i, nil
			}
			u, err := strconv.ParseUint(n.Value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("ostore: bad int %q: %w", n.Value, err)
			}
			return u, nil
		case "!!binary":
			b, err := base64.StdEncoding.DecodeString(n.Value)
			if err != nil {
				return nil, fmt.Errorf("ostore: bad binary data: %w", err)
			}
			return b, nil
		default:
			return n.Value, nil
		}
	default:
		return nil, fmt.Errorf("ostore: unsupported yaml node kind %v", n.Kind)
	}
}

// Externalize renders v as the self-describing textual form.
func Externalize(v Value) ([]byte, error) {
	node, err := toNode(v)
	if err != nil {
		return nil, err
	}
	return yaml.Marshal(node)
}

// Internalize parses the self-describing textual form produced by
// Externalize.
func Internalize(data []byte) (Value, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("ostore: parsing document: %w", err)
	}
	if len(node.Content) == 0 {
		return Dict{}, nil
	}
	return fromNode(&node)
}

// ExternalizeToFile atomically writes v's textual form to path.
func ExternalizeToFile(path string, v Value) error {
	data, err := Externalize(v)
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data, 0644)
}

// InternalizeFromFile reads and parses path. A missing file is reported as
// os.ErrNotExist so callers (Pkgdb.load, Repo.load) can treat "never
// written" as an empty store rather than an error.
func InternalizeFromFile(path string) (Value, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Internalize(data)
}

// ExternalizeToCompressedFile gzip-compresses v's textual form before the
// atomic write, the format used for <arch>-repodata-adjacent caches where
// size matters more than human-readability.
func ExternalizeToCompressedFile(path string, v Value) error {
	data, err := Externalize(v)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-gz-*")
	if err != nil {
		return fmt.Errorf("ostore: creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	bw := bufio.NewWriter(tmp)
	gw := gzip.NewWriter(bw)
	if _, err := gw.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("ostore: gzip write: %w", err)
	}
	if err := gw.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("ostore: gzip close: %w", err)
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("ostore: flush: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("ostore: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("ostore: close: %w", err)
	}
	return os.Rename(tmpName, path)
}

// InternalizeFromCompressedFile reads and ungzips path before parsing.
func InternalizeFromCompressedFile(path string) (Value, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("ostore: gzip reader: %w", err)
	}
	defer gr.Close()

	data, err := io.ReadAll(gr)
	if err != nil {
		return nil, fmt.Errorf("ostore: gzip read: %w", err)
	}
	return Internalize(data)
}
