package log

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// DefaultPattern is used when a transcript pattern is empty.
const DefaultPattern = "%time [%level] %field %msg%n"

// DefaultTimeLayout is the transcript timestamp layout.
const DefaultTimeLayout = "2006-01-02 15:04:05.000"

type formatter struct {
	pattern string
	time    string
}

// Format supports the placeholders %time, %level, %field, %msg and %n.
func (f *formatter) Format(entry *logrus.Entry) ([]byte, error) {
	r := strings.NewReplacer(
		"%time", entry.Time.Format(f.time),
		"%level", entry.Level.String(),
		"%field", buildFields(entry),
		"%msg", entry.Message,
		"%n", "\n",
	)
	return []byte(r.Replace(f.pattern)), nil
}

// buildFields renders entry fields as k=v pairs sorted by key.
func buildFields(entry *logrus.Entry) string {
	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]string, 0, len(keys))
	for _, k := range keys {
		val, ok := entry.Data[k].(string)
		if !ok {
			val = fmt.Sprint(entry.Data[k])
		}
		fields = append(fields, k+"="+val)
	}
	return strings.Join(fields, ",")
}
