package config

// applyDriverDefaults fills in every omitted field, following the
// teacher's loadConfig() default-application style exactly (a flat
// chain of "if zero-value, set default" statements).
func applyDriverDefaults(c *DriverConfig) {
	if c.Mqtt.Basic.Host == "" {
		c.Mqtt.Basic.Host = "mqtt-broker"
	}
	if c.Mqtt.Basic.Port == 0 {
		c.Mqtt.Basic.Port = 1883
	}
	if c.Mqtt.Basic.ClientID == "" {
		c.Mqtt.Basic.ClientID = "driver-io-1"
	}
	if c.Mqtt.Basic.KeepAliveSecs == 0 {
		c.Mqtt.Basic.KeepAliveSecs = 15
	}
	if c.Mqtt.Parameter.ConnectTimeoutMs == 0 {
		c.Mqtt.Parameter.ConnectTimeoutMs = 5000
	}
	if c.Mqtt.Parameter.MaxReconnectIntervalMs == 0 {
		c.Mqtt.Parameter.MaxReconnectIntervalMs = 10000
	}
	if c.Mqtt.Parameter.PingTimeoutMs == 0 {
		c.Mqtt.Parameter.PingTimeoutMs = 5000
	}
	if c.Mqtt.Parameter.WriteTimeoutMs == 0 {
		c.Mqtt.Parameter.WriteTimeoutMs = 5000
	}
	t := &c.Mqtt.Parameter.Topics
	if t.SubGuiMsg == "" {
		t.SubGuiMsg = "gui-msg"
	}
	if t.SubGuiCmd == "" {
		t.SubGuiCmd = "gui-cmd"
	}
	if t.SubServerCmd == "" {
		t.SubServerCmd = "server-cmd"
	}
	if t.SubGeneralCmd == "" {
		t.SubGeneralCmd = "general-cmd"
	}
	if t.PubDrvData == "" {
		t.PubDrvData = "drv-data"
	}
	if t.PubDrvDataStruct == "" {
		t.PubDrvDataStruct = "drv-data-struct"
	}
	if t.PubModulesStatus == "" {
		t.PubModulesStatus = "modules-status"
	}
	if t.PubDrvBroadcast == "" {
		t.PubDrvBroadcast = "drv-broadcast"
	}

	for name, dev := range c.Devices {
		if dev.Basic.TimeoutSecs == 0 {
			dev.Basic.TimeoutSecs = 5
		}
		if dev.Basic.WatchdogInterval == 0 {
			dev.Basic.WatchdogInterval = 10
		}
		if dev.Parameter.ReadRetryMax == 0 {
			dev.Parameter.ReadRetryMax = 3
		}
		if dev.Parameter.WriteRetryMax == 0 {
			dev.Parameter.WriteRetryMax = 5
		}
		if dev.Parameter.VerificationRetryMax == 0 {
			dev.Parameter.VerificationRetryMax = 3
		}
		if dev.Basic.LinkType == "s7" {
			if dev.Basic.Slot == 0 {
				dev.Basic.Slot = 1
			}
		}
		c.Devices[name] = dev
	}
}
