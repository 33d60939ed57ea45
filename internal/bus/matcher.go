package bus

import (
	"errors"
	"fmt"
	"strings"
)

const (
	SingleLevel = "+"
	MultiLevel  = "#"
	separator   = "/"
)

var ErrInvalidPattern = errors.New("bus: invalid topic pattern")

// HasWildcard reports whether topic contains either wildcard character.
func HasWildcard(topic string) bool {
	return strings.ContainsAny(topic, SingleLevel+MultiLevel)
}

// ValidatePattern checks that wildcards occupy whole levels and that the
// multi-level wildcard only appears last.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPattern)
	}
	levels := strings.Split(pattern, separator)
	for i, level := range levels {
		switch {
		case level == MultiLevel && i != len(levels)-1:
			return fmt.Errorf("%w: %q: # must be the last level", ErrInvalidPattern, pattern)
		case level != SingleLevel && level != MultiLevel && HasWildcard(level):
			return fmt.Errorf("%w: %q: wildcard must fill a level", ErrInvalidPattern, pattern)
		}
	}
	return nil
}

// Matcher is a topic-level trie of subscription patterns. It is not safe for
// concurrent use; owners guard it with their own lock.
type Matcher[T comparable] struct {
	root *matchNode[T]
	size int
}

type matchNode[T comparable] struct {
	children map[string]*matchNode[T]
	values   []T
}

func NewMatcher[T comparable]() *Matcher[T] {
	return &Matcher[T]{root: &matchNode[T]{}}
}

// Add enrolls v under pattern. Adding the same value twice is a no-op.
func (m *Matcher[T]) Add(pattern string, v T) {
	n := m.root
	for _, level := range strings.Split(pattern, separator) {
		if n.children == nil {
			n.children = make(map[string]*matchNode[T])
		}
		child, ok := n.children[level]
		if !ok {
			child = &matchNode[T]{}
			n.children[level] = child
		}
		n = child
	}
	for _, existing := range n.values {
		if existing == v {
			return
		}
	}
	n.values = append(n.values, v)
	m.size++
}

// Remove drops v from pattern and returns how many values remain under it.
func (m *Matcher[T]) Remove(pattern string, v T) int {
	levels := strings.Split(pattern, separator)
	path := make([]*matchNode[T], 0, len(levels)+1)
	n := m.root
	path = append(path, n)
	for _, level := range levels {
		child, ok := n.children[level]
		if !ok {
			return 0
		}
		n = child
		path = append(path, n)
	}
	for i, existing := range n.values {
		if existing == v {
			n.values = append(n.values[:i], n.values[i+1:]...)
			m.size--
			break
		}
	}
	remaining := len(n.values)
	for i := len(levels) - 1; i >= 0; i-- {
		node := path[i+1]
		if len(node.values) > 0 || len(node.children) > 0 {
			break
		}
		delete(path[i].children, levels[i])
	}
	return remaining
}

// Values returns the values enrolled under exactly pattern.
func (m *Matcher[T]) Values(pattern string) []T {
	n := m.root
	for _, level := range strings.Split(pattern, separator) {
		child, ok := n.children[level]
		if !ok {
			return nil
		}
		n = child
	}
	return append([]T(nil), n.values...)
}

// Len returns the number of enrolled (pattern, value) pairs.
func (m *Matcher[T]) Len() int {
	return m.size
}

// Match returns every value whose pattern matches the concrete topic.
func (m *Matcher[T]) Match(topic string) []T {
	var out []T
	seen := make(map[T]struct{})
	collect := func(values []T) {
		for _, v := range values {
			if _, dup := seen[v]; dup {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	var walk func(n *matchNode[T], levels []string)
	walk = func(n *matchNode[T], levels []string) {
		if multi, ok := n.children[MultiLevel]; ok {
			collect(multi.values)
		}
		if len(levels) == 0 {
			collect(n.values)
			return
		}
		if child, ok := n.children[levels[0]]; ok {
			walk(child, levels[1:])
		}
		if child, ok := n.children[SingleLevel]; ok {
			walk(child, levels[1:])
		}
	}
	walk(m.root, strings.Split(topic, separator))
	return out
}
