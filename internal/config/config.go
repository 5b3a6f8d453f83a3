// Package config loads the driver and recipe YAML configuration, with
// code-side defaulting in the teacher's style (alibo-simple-mqtt-network-lab's
// loadConfig()), per SPEC_FULL.md §6.
package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// ModuleKeyConfig is the YAML shape of a catalog.ModuleKey.
type ModuleKeyConfig struct {
	BlockID  int    `yaml:"blockId"`
	Index    int    `yaml:"index"`
	Category string `yaml:"category"`
}

// MqttConfig is the Mqtt.{Basic,Parameter} tree of §6.
type MqttConfig struct {
	Basic struct {
		Host          string `yaml:"host"`
		Port          int    `yaml:"port"`
		ClientID      string `yaml:"client_id"`
		KeepAliveSecs int    `yaml:"keepalive_secs"`
		UseWebsocket  bool   `yaml:"use_websocket"`
	} `yaml:"basic"`
	Parameter struct {
		ConnectTimeoutMs       int `yaml:"connect_timeout_ms"`
		MaxReconnectIntervalMs int `yaml:"max_reconnect_interval_ms"`
		PingTimeoutMs          int `yaml:"ping_timeout_ms"`
		WriteTimeoutMs         int `yaml:"write_timeout_ms"`
		Topics                 struct {
			SubGuiMsg     string `yaml:"sub_gui_msg"`
			SubGuiCmd     string `yaml:"sub_gui_cmd"`
			SubServerCmd  string `yaml:"sub_server_cmd"`
			SubGeneralCmd string `yaml:"sub_general_cmd"`
			PubDrvData       string `yaml:"pub_drv_data"`
			PubDrvDataStruct string `yaml:"pub_drv_data_struct"`
			PubModulesStatus string `yaml:"pub_modules_status"`
			PubDrvBroadcast  string `yaml:"pub_drv_broadcast"`
		} `yaml:"topics"`
	} `yaml:"parameter"`
}

// DeviceConfig is one Devices.<name> entry, covering both OPC UA and S7
// devices (LinkType discriminates which transport fields apply).
type DeviceConfig struct {
	Basic struct {
		Name             string `yaml:"name"`
		LinkType         string `yaml:"link"` // "opcua" or "s7"
		URI              string `yaml:"uri"`
		MainNode         string `yaml:"main_node"`
		TimeoutSecs      int    `yaml:"timeout"`
		WatchdogInterval int    `yaml:"watchdog_interval"`
		CatalogCSVPath   string `yaml:"catalog_csv"`
		Rack             int    `yaml:"rack"`
		Slot             int    `yaml:"slot"`
	} `yaml:"basic"`
	Control struct {
		Load bool `yaml:"load"`
		Link bool `yaml:"link"`
		Read bool `yaml:"read"`
	} `yaml:"control"`
	Status struct {
		Loading         bool `yaml:"loading"`
		Connecting      bool `yaml:"connecting"`
		ModuleNumber    int  `yaml:"module_number"`
		VariableNumber  int  `yaml:"variable_number"`
		ReadBlockNumber int  `yaml:"read_block_number"`
	} `yaml:"status"`
	Parameter struct {
		ReadRetryMax         int `yaml:"read_retry_max"`
		WriteRetryMax        int `yaml:"write_retry_max"`
		VerificationRetryMax int `yaml:"verification_retry_max"`
	} `yaml:"parameter"`
}

// DriverConfig is the top-level driver config.json/yaml tree of §6.
type DriverConfig struct {
	Basic   ModuleKeyConfig `yaml:"basic"`
	Control struct {
		IsLocal bool `yaml:"isLocal"`
	} `yaml:"control"`
	Mqtt        MqttConfig              `yaml:"mqtt"`
	Devices     map[string]DeviceConfig `yaml:"devices"`
	Diagnostics struct {
		PprofAddr string `yaml:"pprof_addr"`
	} `yaml:"diagnostics"`
}

// RecipeRequestEntry is one recipe_monitor_info.recipe_request[] row.
type RecipeRequestEntry struct {
	Module              ModuleKeyConfig `yaml:"module"`
	URI                 string          `yaml:"uri"`
	RequestNodePath     string          `yaml:"request_node_path"`
	RecipeRequestUpdate string          `yaml:"recipe_request_update"`
	RecipeRequestID     string          `yaml:"recipe_request_id"`
	RecipeRequestResult string          `yaml:"recipe_request_result"`
}

// SingleModuleEntry is one recipe_monitor_info.single_module[] row.
type SingleModuleEntry struct {
	Module             ModuleKeyConfig `yaml:"module"`
	RecipeWritablePath string          `yaml:"recipe_writable_path"`
	RecipeValidCode    string          `yaml:"recipe_valid_code"`
}

// RecipeConfig is the recipe_config.yaml tree of §6.
type RecipeConfig struct {
	RecipeMonitorInfo struct {
		RecipeRequest []RecipeRequestEntry `yaml:"recipe_request"`
		SingleModule  []SingleModuleEntry  `yaml:"single_module"`
	} `yaml:"recipe_monitor_info"`
}

// LoadDriverConfig reads and defaults the driver config from path, or
// from DRIVERIO_CONFIG / "config/driver.yaml" when path is empty,
// mirroring the teacher's BACKEND_CONFIG env-var-with-fallback pattern.
func LoadDriverConfig(path string) (DriverConfig, error) {
	if path == "" {
		path = os.Getenv("DRIVERIO_CONFIG")
	}
	if path == "" {
		path = "config/driver.yaml"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return DriverConfig{}, err
	}
	var c DriverConfig
	if err := yaml.Unmarshal(data, &c); err != nil {
		return DriverConfig{}, err
	}
	applyDriverDefaults(&c)
	return c, nil
}

// LoadRecipeConfig reads the recipe config from path, or from
// DRIVERIO_RECIPE_CONFIG / "config/recipe.yaml" when path is empty.
func LoadRecipeConfig(path string) (RecipeConfig, error) {
	if path == "" {
		path = os.Getenv("DRIVERIO_RECIPE_CONFIG")
	}
	if path == "" {
		path = "config/recipe.yaml"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return RecipeConfig{}, err
	}
	var c RecipeConfig
	if err := yaml.Unmarshal(data, &c); err != nil {
		return RecipeConfig{}, err
	}
	return c, nil
}
