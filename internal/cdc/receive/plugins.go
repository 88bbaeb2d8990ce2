package receive

import (
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"

	"github.com/jfoltran/pgcopydb/internal/cdc/message"
)

// Supported logical decoding output plugins. pgoutput arrives as the
// binary protocol parsed by pglogrepl; test_decoding and wal2json
// arrive as text payloads handled by the sub-parsers in this package.
const (
	PluginPgoutput     = "pgoutput"
	PluginTestDecoding = "test_decoding"
	PluginWal2JSON     = "wal2json"
)

// pluginArgs returns the START_REPLICATION options for the configured
// output plugin. Only pgoutput consumes the publication name; the text
// decoders stream every table on the slot.
func pluginArgs(plugin, publication string) []string {
	switch plugin {
	case PluginWal2JSON:
		return []string{
			`"format-version" '2'`,
			`"include-xids" 'true'`,
			`"include-timestamp" 'true'`,
		}
	case PluginTestDecoding:
		return []string{
			`"include-xids" 'on'`,
			`"include-timestamp" 'on'`,
		}
	default:
		return []string{
			"proto_version '1'",
			fmt.Sprintf("publication_names '%s'", publication),
		}
	}
}

// textParser dispatches one textual decoder payload to the sub-parser
// for the configured plugin. Every sub-parser produces the same message
// types the pgoutput path emits, so the rest of the pipeline never
// learns which decoder produced an event.
type textParser struct {
	wal2json     wal2jsonParser
	testDecoding testDecodingParser
}

func (p *textParser) Parse(plugin string, data []byte, lsn pglogrepl.LSN, now time.Time) ([]message.Message, error) {
	switch plugin {
	case PluginWal2JSON:
		return p.wal2json.Parse(data, lsn, now)
	case PluginTestDecoding:
		return p.testDecoding.Parse(data, lsn, now)
	default:
		return nil, fmt.Errorf("unsupported output plugin %q", plugin)
	}
}

// typeNameOID maps the type names the text decoders emit onto the
// built-in OIDs transform keys its literal rendering on. Unknown names
// map to 0, which renders as a quoted string, the safe default.
func typeNameOID(name string) uint32 {
	switch name {
	case "boolean":
		return message.OIDBool
	case "smallint":
		return message.OIDInt2
	case "integer":
		return message.OIDInt4
	case "bigint":
		return message.OIDInt8
	case "oid":
		return message.OIDOID
	case "real":
		return message.OIDFloat4
	case "double precision":
		return message.OIDFloat8
	case "numeric":
		return message.OIDNumeric
	}
	return 0
}
