package spidev

import (
	"os"
	"path"
	"sort"
	"strings"
)

var sysfsClass = "/sys/class/spidev"

type Info struct {
	Path   string
	Bus    int
	CS     int
	Driver string
}

func readModalias(file string) string {
	data, err := os.ReadFile(file)
	if err != nil {
		return ""
	}

	alias := strings.TrimSpace(string(data))
	if index := strings.Index(alias, ":"); index >= 0 {
		alias = alias[index+1:]
	}
	return alias
}

// FindDevices lists the spidev nodes the kernel exported.
func FindDevices() ([]Info, error) {
	entries, err := os.ReadDir(sysfsClass)
	if err != nil {
		return nil, err
	}

	var results []Info
	for _, m := range entries {
		name := m.Name()

		if !strings.HasPrefix(name, "spidev") {
			continue
		}

		bus, cs, ok := isBusPath(name[6:])
		if !ok {
			continue
		}

		results = append(results, Info{
			Path:   "/dev/" + name,
			Bus:    bus,
			CS:     cs,
			Driver: readModalias(path.Join(sysfsClass, name, "device", "modalias")),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Bus != results[j].Bus {
			return results[i].Bus < results[j].Bus
		}
		return results[i].CS < results[j].CS
	})

	return results, nil
}
