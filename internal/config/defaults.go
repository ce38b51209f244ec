package config

const (
	defaultConfigPath          = "~/.config/bmh/commsmanager.toml"
	defaultLogDir              = "~/.local/share/bmh/logs"
	defaultStateDir            = "~/.local/share/bmh/state"
	defaultAPIBind             = "127.0.0.1:18090"
	defaultDacTransmitPort     = 18000
	defaultLineTapPort         = 18001
	defaultClusterPort         = 18002
	defaultAcceptTimeoutMS     = 5000
	defaultHandlerQueueSize    = 0
	defaultLauncher            = "/awips2/bmh/bin/dactransmit.sh"
	defaultReconcileInterval   = 10
	defaultBusURL              = "ws://localhost:61614/bus"
	defaultStatusTopic         = "BMH.DAC.Status"
	defaultPlaylistQueuePrefix = "BMH.Playlist."
	defaultBusBufferSize       = 100
	defaultBusRetryInterval    = 5
	defaultSilenceGracePeriod  = 60
	defaultSilenceRepeat       = 300
	defaultLogFormat           = "console"
	defaultLogLevel            = "info"
	defaultLogMaxSizeMB        = 50
	defaultLogMaxBackups       = 10
	defaultLogMaxAgeDays       = 30
	defaultTimezone            = "UTC"
)

// Default returns a Config populated with repository defaults. The default
// configuration carries no DACs; the daemon idles until one is configured.
func Default() Config {
	return Config{
		Paths: Paths{
			LogDir:   defaultLogDir,
			StateDir: defaultStateDir,
			APIBind:  defaultAPIBind,
		},
		Server: Server{
			DacTransmitPort:  defaultDacTransmitPort,
			LineTapPort:      defaultLineTapPort,
			ClusterPort:      defaultClusterPort,
			AcceptTimeoutMS:  defaultAcceptTimeoutMS,
			HandlerQueueSize: defaultHandlerQueueSize,
		},
		DacTransmit: DacTransmit{
			Launcher:          defaultLauncher,
			ReconcileInterval: defaultReconcileInterval,
		},
		Bus: Bus{
			URL:                 defaultBusURL,
			StatusTopic:         defaultStatusTopic,
			PlaylistQueuePrefix: defaultPlaylistQueuePrefix,
			BufferSize:          defaultBusBufferSize,
			RetryInterval:       defaultBusRetryInterval,
		},
		Silence: Silence{
			GracePeriod:    defaultSilenceGracePeriod,
			RepeatInterval: defaultSilenceRepeat,
		},
		Notifications: Notifications{
			RequestTimeout: 10,
			SilenceAlarms:  true,
			ProcessErrors:  true,
		},
		Logging: Logging{
			Format:     defaultLogFormat,
			Level:      defaultLogLevel,
			MaxSizeMB:  defaultLogMaxSizeMB,
			MaxBackups: defaultLogMaxBackups,
			MaxAgeDays: defaultLogMaxAgeDays,
		},
	}
}
