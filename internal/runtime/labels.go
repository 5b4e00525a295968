package runtime

import (
	"strconv"
	"strings"
)

// Labels stamped on every managed container. The name is the lock, the
// generation label is the fence: a container whose generation no longer
// matches the instance row belongs to a superseded configuration.
const (
	LabelManaged    = "longhouse.managed"
	LabelSubdomain  = "longhouse.subdomain"
	LabelGeneration = "longhouse.generation"
	LabelRole       = "longhouse.role"

	RoleInstance = "instance"

	containerPrefix = "longhouse-"
)

// ContainerName returns the canonical container name for a subdomain.
// Uniqueness of this name on the Docker host is what serializes creation.
func ContainerName(subdomain string) string {
	return containerPrefix + subdomain
}

// SubdomainFromName extracts the subdomain from a managed container name.
// Returns "" when the name does not follow the managed naming scheme.
func SubdomainFromName(name string) string {
	name = strings.TrimPrefix(name, "/")
	if !strings.HasPrefix(name, containerPrefix) {
		return ""
	}
	return strings.TrimPrefix(name, containerPrefix)
}

// ManagedLabels builds the label set for a new instance container.
func ManagedLabels(subdomain string, generation int64) map[string]string {
	return map[string]string{
		LabelManaged:    "true",
		LabelSubdomain:  subdomain,
		LabelGeneration: strconv.FormatInt(generation, 10),
		LabelRole:       RoleInstance,
	}
}

// GenerationFromLabels parses the generation fence from container labels.
func GenerationFromLabels(labels map[string]string) (int64, bool) {
	v, ok := labels[LabelGeneration]
	if !ok {
		return 0, false
	}
	g, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return g, true
}
