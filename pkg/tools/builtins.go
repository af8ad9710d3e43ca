package tools

// RegisterBuiltins wires the six builtin tools into the registry.
func RegisterBuiltins(reg *Registry, c *Context) *Registry {
	if c.Web == nil {
		c.Web = NewWebClient()
	}
	reg.Register(Tool{Name: "web_search", Run: webSearchTool(c)})
	reg.Register(Tool{Name: "evidence_pack", Run: evidencePackTool(c)})
	reg.Register(Tool{Name: "kb_index", Run: kbIndexTool(c)})
	reg.Register(Tool{Name: "kg_extract", Run: kgExtractTool(c)})
	reg.Register(Tool{Name: "office_ingest", Run: officeIngestTool(c)})
	reg.Register(Tool{Name: "paper_search", Run: paperSearchTool(NewPaperClient())})
	return reg
}
