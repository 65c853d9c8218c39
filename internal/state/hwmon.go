package state

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// DefaultHwmonRoot is where Linux exposes hardware monitoring devices
const DefaultHwmonRoot = "/sys/class/hwmon"

// HwmonSource exposes host temperature sensors as sensor.hwmon_* readings
type HwmonSource struct {
	Root     string
	Interval time.Duration

	store  *MemoryStore
	logger *log.Logger
}

// NewHwmonSource creates a source scanning root (DefaultHwmonRoot when empty)
func NewHwmonSource(root string, interval time.Duration, store *MemoryStore, logger *log.Logger) *HwmonSource {
	if root == "" {
		root = DefaultHwmonRoot
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger != nil {
		logger = logger.WithPrefix("hwmon")
	}
	return &HwmonSource{
		Root:     root,
		Interval: interval,
		store:    store,
		logger:   logger,
	}
}

// Name implements Source.Name
func (s *HwmonSource) Name() string {
	return "hwmon"
}

// Start scans once, then keeps rescanning in the background
func (s *HwmonSource) Start(ctx context.Context) error {
	if s.logger != nil {
		s.logger.Infof("Scanning %s every %v", s.Root, s.Interval)
	}
	startPolling(ctx, s.Interval, s.logger, s)
	return nil
}

// Refresh rescans all devices and replaces the store snapshot
func (s *HwmonSource) Refresh(ctx context.Context) error {
	readings, err := s.Scan()
	if err != nil {
		return err
	}
	s.store.Replace(readings)

	if s.logger != nil {
		s.logger.Debugf("Temperature data updated: %d sensors", len(readings))
	}
	return nil
}

// Scan reads every tempN_input file under Root
func (s *HwmonSource) Scan() ([]*Reading, error) {
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	readings := []*Reading{}
	seen := make(map[string]int)

	for _, entry := range entries {
		devicePath := filepath.Join(s.Root, entry.Name())

		nameBytes, err := os.ReadFile(filepath.Join(devicePath, "name"))
		if err != nil {
			continue
		}
		deviceName := strings.TrimSpace(string(nameBytes))

		files, err := os.ReadDir(devicePath)
		if err != nil {
			continue
		}

		for _, f := range files {
			if !strings.HasPrefix(f.Name(), "temp") || !strings.HasSuffix(f.Name(), "_input") {
				continue
			}

			// Millidegrees
			raw, err := os.ReadFile(filepath.Join(devicePath, f.Name()))
			if err != nil {
				continue
			}
			milli, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
			if err != nil {
				continue
			}

			label := HwmonLabel(deviceName)
			labelFile := strings.Replace(f.Name(), "_input", "_label", 1)
			if b, err := os.ReadFile(filepath.Join(devicePath, labelFile)); err == nil {
				if l := strings.TrimSpace(string(b)); l != "" {
					label = l
				}
			}

			id := "sensor.hwmon_" + sanitizeObjectID(deviceName+"_"+label)
			if n := seen[id]; n > 0 {
				seen[id] = n + 1
				id += "_" + strconv.Itoa(n+1)
			} else {
				seen[id] = 1
			}

			readings = append(readings, &Reading{
				EntityID: id,
				State:    strconv.FormatFloat(float64(milli)/1000.0, 'f', -1, 64),
				Attributes: map[string]any{
					AttrFriendlyName: label + " Temperature",
					AttrUnit:         "°C",
					AttrDeviceClass:  "temperature",
					AttrIcon:         "mdi:thermometer",
				},
				LastUpdated: now,
			})
		}
	}

	return readings, nil
}

// HwmonLabel converts kernel sensor names to human-readable names.
// clusterN_thermal becomes "CPU Cluster N+1" and coreN becomes "CPU Core N+1".
func HwmonLabel(deviceName string) string {
	if strings.HasPrefix(deviceName, "cluster") && strings.HasSuffix(deviceName, "_thermal") {
		num := strings.TrimSuffix(strings.TrimPrefix(deviceName, "cluster"), "_thermal")
		if n, err := strconv.Atoi(num); err == nil {
			return "CPU Cluster " + strconv.Itoa(n+1)
		}
	}

	if num, ok := strings.CutPrefix(deviceName, "core"); ok {
		if n, err := strconv.Atoi(num); err == nil {
			return "CPU Core " + strconv.Itoa(n+1)
		}
	}

	return deviceName
}

// sanitizeObjectID makes a safe entity object id from a label
func sanitizeObjectID(name string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore && b.Len() > 0 {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}
