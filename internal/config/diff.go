package config

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired names every changed setting that only takes effect
	// when a new session is started, e.g. "transport.voice".
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed. The log
// level is the only setting applied to a running process.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	changed := func(name string, differs bool) {
		if differs {
			d.RestartRequired = append(d.RestartRequired, name)
		}
	}
	changed("server.log_format", old.Server.LogFormat != new.Server.LogFormat)
	changed("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	changed("transport.name", old.Transport.Name != new.Transport.Name)
	changed("transport.api_key", old.Transport.APIKey != new.Transport.APIKey)
	changed("transport.model", old.Transport.Model != new.Transport.Model)
	changed("transport.base_url", old.Transport.BaseURL != new.Transport.BaseURL)
	changed("transport.voice", old.Transport.Voice != new.Transport.Voice)
	changed("transport.instructions", old.Transport.Instructions != new.Transport.Instructions)
	changed("transport.input_transcription", old.Transport.InputTranscription != new.Transport.InputTranscription)
	changed("capture", old.Capture != new.Capture)
	changed("playback", old.Playback != new.Playback)
	changed("transcript", old.Transcript != new.Transcript)

	return d
}
