package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Marshal renders cfg as YAML in the same layout as the config file.
func Marshal(cfg Config) ([]byte, error) {
	doc := &yaml.Node{
		Kind:    yaml.DocumentNode,
		Content: []*yaml.Node{buildConfigNode(cfg)},
	}
	return encode(doc)
}

// SaveBench updates the bench section of the config file, keeping comments and
// formatting in the other sections.
func SaveBench(configPath string, bench BenchConfig) error {
	return SaveSection(configPath, "bench", buildBenchNode(bench))
}

// SaveSection replaces (or appends) one top-level section of the config file.
// Everything else in the file, comments included, is preserved.
func SaveSection(configPath, key string, section *yaml.Node) error {
	data, err := os.ReadFile(configPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading config: %w", err)
	}

	var doc yaml.Node
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parsing config: %w", err)
		}
	}

	if doc.Kind == 0 {
		doc = yaml.Node{
			Kind:    yaml.DocumentNode,
			Content: []*yaml.Node{mapping(key, section)},
		}
	} else if doc.Kind == yaml.DocumentNode && len(doc.Content) > 0 {
		root := doc.Content[0]
		if root.Kind != yaml.MappingNode {
			return fmt.Errorf("parsing config: top level is not a mapping")
		}
		found := false
		for i := 0; i < len(root.Content)-1; i += 2 {
			if root.Content[i].Value == key {
				root.Content[i+1] = section
				found = true
				break
			}
		}
		if !found {
			root.Content = append(root.Content, scalar(key), section)
		}
	}

	out, err := encode(&doc)
	if err != nil {
		return err
	}
	return writeAtomic(configPath, out)
}

func encode(doc *yaml.Node) ([]byte, error) {
	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(doc); err != nil {
		return nil, fmt.Errorf("marshaling config: %w", err)
	}
	_ = encoder.Close()
	return buf.Bytes(), nil
}

// writeAtomic writes to a temp file in the same directory, then renames it over path.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	temp, err := os.CreateTemp(dir, ".notifycenter.yaml.tmp.*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tempPath := temp.Name()

	if _, err := temp.Write(data); err != nil {
		_ = temp.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := temp.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

func buildConfigNode(cfg Config) *yaml.Node {
	return mapping(
		"executor", mapping(
			"queue_capacity", intScalar(cfg.Executor.QueueCapacity),
			"slow_task_threshold", durationScalar(cfg.Executor.SlowTaskThreshold),
			"log_tasks", boolScalar(cfg.Executor.LogTasks),
		),
		"registry", mapping(
			"warning_window", durationScalar(cfg.Registry.WarningWindow),
		),
		"log", mapping(
			"level", scalar(cfg.Log.Level),
			"file", scalar(cfg.Log.File),
		),
		"tracing", mapping(
			"enabled", boolScalar(cfg.Tracing.Enabled),
			"exporter", scalar(cfg.Tracing.Exporter),
			"file_path", scalar(cfg.Tracing.FilePath),
			"otlp_endpoint", scalar(cfg.Tracing.OTLPEndpoint),
			"sample_rate", floatScalar(cfg.Tracing.SampleRate),
			"service_name", scalar(cfg.Tracing.ServiceName),
		),
		"bench", buildBenchNode(cfg.Bench),
	)
}

func buildBenchNode(b BenchConfig) *yaml.Node {
	return mapping(
		"subscribers", intScalar(b.Subscribers),
		"events", intScalar(b.Events),
		"producers", intScalar(b.Producers),
	)
}

// mapping builds a mapping node from alternating key, value arguments.
// Keys must be strings and values *yaml.Node.
func mapping(kv ...any) *yaml.Node {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for i := 0; i+1 < len(kv); i += 2 {
		node.Content = append(node.Content, scalar(kv[i].(string)), kv[i+1].(*yaml.Node))
	}
	return node
}

func scalar(v string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v}
}

func intScalar(v int) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: strconv.Itoa(v)}
}

func boolScalar(v bool) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: strconv.FormatBool(v)}
}

func floatScalar(v float64) *yaml.Node {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!float", Value: s}
}

func durationScalar(d time.Duration) *yaml.Node {
	return scalar(d.String())
}
