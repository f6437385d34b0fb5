package cel

// FilterExpressionExamples are sample values for ingest.filter_expression.
var FilterExpressionExamples = map[string]string{
	"skip_groups":        `!is_group`,
	"only_inbound":       `!from_me`,
	"only_realtime":      `source == "realtime"`,
	"skip_empty_text":    `has_media || text != ""`,
	"skip_reactions":     `msg_type != "reacao"`,
	"single_account":     `account == "acc-1"`,
	"country_prefix":     `remote_jid.startsWith("55")`,
	"recent_only":        `timestamp > timestamp("2024-01-01T00:00:00Z")`,
	"keyword":            `text.contains("orcamento")`,
	"groups_with_media":  `is_group && has_media`,
	"named_contacts":     `push_name != "" || from_me`,
	"combined_condition": `!is_group && (source == "realtime" || has_media)`,
}
