package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/docker/go-connections/nat"
)

type portClaim struct {
	units map[string]struct{}
}

// ValidatePortCollisions reports the first port declared by more than one
// of the given units. A wildcard bind conflicts with every address.
func ValidatePortCollisions(specs []*ServiceSpec) error {
	claimed := map[string]*portClaim{}
	ordered := append([]*ServiceSpec(nil), specs...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Name < ordered[j].Name })
	for _, spec := range ordered {
		if spec == nil {
			continue
		}
		for idx, raw := range spec.Ports {
			mappings, err := nat.ParsePortSpec(raw)
			if err != nil {
				return fmt.Errorf("%s: invalid port mapping %q: %w", unitField(spec.Name, fmt.Sprintf("ports[%d]", idx)), raw, err)
			}
			for _, mapping := range mappings {
				start, end, err := mapping.Port.Range()
				if err != nil {
					return fmt.Errorf("%s: %w", unitField(spec.Name, fmt.Sprintf("ports[%d]", idx)), err)
				}
				proto := mapping.Port.Proto()
				hostIP := normalizeHostIP(mapping.Binding.HostIP)
				for port := start; port <= end; port++ {
					keys := []string{portKey(proto, hostIP, port), portKey(proto, "0.0.0.0", port)}
					if hostIP == "0.0.0.0" {
						keys = keys[:1]
					}
					conflicts := map[string]struct{}{}
					for _, key := range keys {
						if claim := claimed[key]; claim != nil {
							for unit := range claim.units {
								if unit != spec.Name {
									conflicts[unit] = struct{}{}
								}
							}
						}
					}
					if hostIP == "0.0.0.0" {
						for key, claim := range claimed {
							if strings.HasPrefix(key, proto+"/") && strings.HasSuffix(key, fmt.Sprintf(":%d", port)) {
								for unit := range claim.units {
									if unit != spec.Name {
										conflicts[unit] = struct{}{}
									}
								}
							}
						}
					}
					if len(conflicts) > 0 {
						names := make([]string, 0, len(conflicts))
						for unit := range conflicts {
							names = append(names, unit)
						}
						sort.Strings(names)
						return fmt.Errorf("%s: port %d/%s on %q conflicts with unit(s) %s", unitField(spec.Name, fmt.Sprintf("ports[%d]", idx)), port, proto, hostIP, strings.Join(names, ", "))
					}
					key := portKey(proto, hostIP, port)
					claim := claimed[key]
					if claim == nil {
						claim = &portClaim{units: map[string]struct{}{}}
						claimed[key] = claim
					}
					claim.units[spec.Name] = struct{}{}
				}
			}
		}
	}
	return nil
}

func portKey(proto, hostIP string, port int) string {
	return fmt.Sprintf("%s/%s:%d", proto, hostIP, port)
}

func normalizeHostIP(ip string) string {
	ip = strings.TrimSpace(ip)
	if ip == "" || ip == "0.0.0.0" {
		return "0.0.0.0"
	}
	return ip
}

func unitField(unit string, parts ...string) string {
	return fieldPath(append([]string{"units", unit}, parts...)...)
}
