package common

import (
	"fmt"
	"github.com/google/uuid"
	"os"
	"sort"
	"strings"
	"time"
)

// nodeMarkNamespace is the uuid namespace all node mark summaries are derived in
var nodeMarkNamespace = uuid.MustParse("6f1c2b7e-93d4-4a8e-b3c5-0d9e4f6a2c11")

// processStart is captured once so that every node mark of a process shares it
var processStart = time.Now()

// NodeMark identifies a node by its duty tags. It is computed once at start and
// never changes afterwards. It is used for self identification, not for routing.
type NodeMark struct {
	dutyTags []string
	summary  string
}

// CalculateNodeMark derives the node mark from the duty tags. Tags are trimmed,
// deduplicated and sorted, so the order they are configured in does not matter.
// The summary additionally covers host name, executable, pid and process start,
// so two processes with the same duty never share a summary.
func CalculateNodeMark(dutyTags []string) NodeMark {
	set := make(map[string]struct{}, len(dutyTags))
	tags := make([]string, 0, len(dutyTags))
	for _, tag := range dutyTags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := set[tag]; ok {
			continue
		}
		set[tag] = struct{}{}
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	hostName, _ := os.Hostname()
	executable, _ := os.Executable()
	source := fmt.Sprintf("%s|%s|%s|%d|%d",
		strings.Join(tags, ","), hostName, executable, os.Getpid(), processStart.UnixNano())

	return NodeMark{
		dutyTags: tags,
		summary:  uuid.NewSHA1(nodeMarkNamespace, []byte(source)).String(),
	}
}

// DutyTags returns a copy of the normalized duty tags
func (m NodeMark) DutyTags() []string {
	return append([]string(nil), m.dutyTags...)
}

// Summary returns the derived identifier
func (m NodeMark) Summary() string {
	return m.summary
}

// HasDuty reports whether the node carries the given duty tag
func (m NodeMark) HasDuty(tag string) bool {
	i := sort.SearchStrings(m.dutyTags, tag)
	return i < len(m.dutyTags) && m.dutyTags[i] == tag
}

func (m NodeMark) String() string {
	return fmt.Sprintf("%s [%s]", m.summary, strings.Join(m.dutyTags, ","))
}
