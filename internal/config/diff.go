package config

// Diff describes what changed between two configs.
// Only the agent roster and log level are safe to hot-reload; everything
// else requires a restart and is reported so the watcher can warn.
type Diff struct {
	AgentsChanged   bool        // true if any roster entry was added, removed, or edited
	AgentChanges    []AgentDiff // per-agent diffs
	LogLevelChanged bool
	NewLogLevel     LogLevel
	RestartRequired []string // dotted paths of changed sections that cannot hot-reload
}

// AgentDiff describes what changed for a single roster entry.
type AgentDiff struct {
	Slug            string
	GreetingChanged bool
	VoiceChanged    bool
	RoutingChanged  bool
	TicketsChanged  bool
	Added           bool
	Removed         bool
}

// ComputeDiff compares old and new configs and returns what changed.
func ComputeDiff(old, new *Config) Diff {
	d := Diff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Sections that only apply at startup.
	if old.Server.ListenAddr != new.Server.ListenAddr || old.Server.PublicURL != new.Server.PublicURL ||
		old.Server.Environment != new.Server.Environment {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Database != new.Database {
		d.RestartRequired = append(d.RestartRequired, "database")
	}
	if old.Carrier != new.Carrier {
		d.RestartRequired = append(d.RestartRequired, "carrier")
	}
	if old.Realtime != new.Realtime {
		d.RestartRequired = append(d.RestartRequired, "realtime")
	}
	if old.Ticketing != new.Ticketing {
		d.RestartRequired = append(d.RestartRequired, "ticketing")
	}

	// Build roster lookup maps keyed by slug.
	oldAgents := make(map[string]*AgentConfig, len(old.Agents))
	for i := range old.Agents {
		oldAgents[old.Agents[i].Slug] = &old.Agents[i]
	}
	newAgents := make(map[string]*AgentConfig, len(new.Agents))
	for i := range new.Agents {
		newAgents[new.Agents[i].Slug] = &new.Agents[i]
	}

	// Detect modified and removed agents.
	for slug, oldA := range oldAgents {
		newA, exists := newAgents[slug]
		if !exists {
			d.AgentChanges = append(d.AgentChanges, AgentDiff{Slug: slug, Removed: true})
			d.AgentsChanged = true
			continue
		}
		ad := diffAgent(slug, oldA, newA)
		if ad.GreetingChanged || ad.VoiceChanged || ad.RoutingChanged || ad.TicketsChanged {
			d.AgentChanges = append(d.AgentChanges, ad)
			d.AgentsChanged = true
		}
	}

	// Detect added agents.
	for slug := range newAgents {
		if _, exists := oldAgents[slug]; !exists {
			d.AgentChanges = append(d.AgentChanges, AgentDiff{Slug: slug, Added: true})
			d.AgentsChanged = true
		}
	}

	return d
}

// diffAgent compares two roster entries with the same slug.
func diffAgent(slug string, old, new *AgentConfig) AgentDiff {
	ad := AgentDiff{Slug: slug}

	if old.Greeting != new.Greeting || old.Language != new.Language {
		ad.GreetingChanged = true
	}
	if old.Voice != new.Voice {
		ad.VoiceChanged = true
	}
	if !equalStringSlices(old.DialedNumbers, new.DialedNumbers) {
		ad.RoutingChanged = true
	}
	if old.CreatesTickets != new.CreatesTickets {
		ad.TicketsChanged = true
	}

	return ad
}

func equalStringSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
