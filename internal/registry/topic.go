package registry

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Topic namespaces.
const (
	NamespaceResource  = "resource"
	NamespaceMission   = "mission"
	NamespaceSpec      = "spec"
	NamespaceExecution = "execution"
	NamespaceSession   = "session"
	NamespaceSystem    = "system"
)

const maxTopicLength = 256

// ErrInvalidTopic is returned for malformed topics or unknown namespaces.
var ErrInvalidTopic = errors.New("invalid topic")

var (
	namespaces = map[string]bool{
		NamespaceResource:  true,
		NamespaceMission:   true,
		NamespaceSpec:      true,
		NamespaceExecution: true,
		NamespaceSession:   true,
		NamespaceSystem:    true,
	}
	segmentPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
)

// ValidateTopic checks topic syntax: namespace(:segment)*, where a segment is
// an identifier or one of the globs "*" and "**".
func ValidateTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTopic)
	}
	if len(topic) > maxTopicLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidTopic, maxTopicLength)
	}

	parts := strings.Split(topic, ":")
	if !namespaces[parts[0]] {
		return fmt.Errorf("%w: unknown namespace %q", ErrInvalidTopic, parts[0])
	}
	for _, seg := range parts[1:] {
		if seg == "*" || seg == "**" {
			continue
		}
		if !segmentPattern.MatchString(seg) {
			return fmt.Errorf("%w: bad segment %q", ErrInvalidTopic, seg)
		}
	}
	return nil
}

// Match reports whether a subscription pattern receives events published on
// topic: on an exact match, when pattern is a ':'-bounded prefix of topic, or
// when pattern's globs match with ':' as the separator.
func Match(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	if strings.HasPrefix(topic, pattern) && topic[len(pattern)] == ':' {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return false
	}
	ok, err := doublestar.Match(toPath(pattern), toPath(topic))
	return err == nil && ok
}

func toPath(topic string) string {
	return strings.ReplaceAll(topic, ":", "/")
}

// ResourceTopic is the topic for events about a resource.
func ResourceTopic(resourceID string) string {
	return NamespaceResource + ":" + resourceID
}

// ResourceTopics returns every topic an event about a resource is published
// on: the generic resource topic and, when kind is known, the kind-specific one.
func ResourceTopics(kind, resourceID string) []string {
	topics := []string{ResourceTopic(resourceID)}
	if kind == NamespaceMission || kind == NamespaceSpec {
		topics = append(topics, kind+":"+resourceID)
	}
	return topics
}

// ExecutionTopic is the topic for events about an execution.
func ExecutionTopic(executionID string) string {
	return NamespaceExecution + ":" + executionID
}

// ResourceIDFromTopic extracts the id of a resource, mission or spec topic.
func ResourceIDFromTopic(topic string) (string, bool) {
	parts := strings.Split(topic, ":")
	if len(parts) < 2 {
		return "", false
	}
	switch parts[0] {
	case NamespaceResource, NamespaceMission, NamespaceSpec:
	default:
		return "", false
	}
	if parts[1] == "*" || parts[1] == "**" {
		return "", false
	}
	return parts[1], true
}
