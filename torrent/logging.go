package torrent

import (
	"fmt"

	"github.com/mitchellh/colorstring"
	"github.com/sirupsen/logrus"
)

// log is the package-wide logger. Every component logs through it so a
// single formatter controls the on-wire look of diagnostics: a
// bracket-tagged style ("[INFO] ...", "[FAIL] ...").
var log = logrus.New()

func init() {
	log.SetFormatter(&bracketTagFormatter{})
}

// bracketTagFormatter renders log lines as "[TAG] message key=value ..."
// with the tag colorized via colorstring, keeping the bracket-tag
// convention ([DEBUG], [INFO], [WARN], and [FAIL] for error and above)
// while adopting logrus's structured fields.
type bracketTagFormatter struct{}

func (f *bracketTagFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	tag, color := levelTag(entry.Level)
	coloredTag := colorstring.Color(fmt.Sprintf("[%s][%s][reset]", color, tag))
	line := fmt.Sprintf("%s\t%s", coloredTag, entry.Message)

	for k, v := range entry.Data {
		line += fmt.Sprintf(" %s=%v", k, v)
	}
	line += "\n"
	return []byte(line), nil
}

func levelTag(level logrus.Level) (tag string, color string) {
	switch level {
	case logrus.DebugLevel, logrus.TraceLevel:
		return "DEBUG", "light_blue"
	case logrus.InfoLevel:
		return "INFO", "green"
	case logrus.WarnLevel:
		return "WARN", "yellow"
	default:
		return "FAIL", "red"
	}
}
