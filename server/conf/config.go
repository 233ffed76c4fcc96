package conf

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
	"gopkg.in/ini.v1"

	"github.com/zhukovaskychina/xmysql-storage/logger"
)

// 环境变量覆盖前缀，例如 XMYSQL_STORAGE_BLOCK_SIZE=8192
const envPrefix = "XMYSQL_STORAGE_"

var ErrInvalidConfig = errors.New("invalid configuration")

type CommandLineArgs struct {
	ConfigPath string
	// EnvFile 为空时只读取进程环境变量
	EnvFile string
}

/*
[storage]
data_dir           = data
data_file          = xmysql.ibd
block_size         = 4096
max_blocks         = 0
directory_size     = 4
node_order         = 64
rehash_threshold   = 2
buffer_pool_blocks = 256
doublewrite        = true

[logs]
log_error = logs/error.log
log_infos = logs/info.log
log_level = info

[redo]
enabled     = false
dir         = redo
compression = snappy
*/
type Cfg struct {
	Raw *ini.File

	// storage
	DataDir          string  `default:"data"`
	DataFile         string  `default:"xmysql.ibd"`
	BlockSize        int     `default:"4096"`
	MaxBlocks        int     `default:"0"`
	DirectorySize    int     `default:"4"`
	NodeOrder        int     `default:"64"`
	RehashThreshold  float64 `default:"2"`
	BufferPoolBlocks int     `default:"256"`
	Doublewrite      bool    `default:"true"`

	// logs
	LogError string `default:"logs/error.log"`
	LogInfos string `default:"logs/info.log"`
	LogLevel string `default:"info"`

	// redo
	RedoEnabled     bool   `default:"false"`
	RedoDir         string `default:"redo"`
	RedoCompression string `default:"snappy"`
}

func NewCfg() *Cfg {
	return &Cfg{
		Raw:              ini.Empty(),
		DataDir:          "data",
		DataFile:         "xmysql.ibd",
		BlockSize:        4096,
		DirectorySize:    4,
		NodeOrder:        64,
		RehashThreshold:  2,
		BufferPoolBlocks: 256,
		Doublewrite:      true,
		LogError:         "logs/error.log",
		LogInfos:         "logs/info.log",
		LogLevel:         "info",
		RedoDir:          "redo",
		RedoCompression:  "snappy",
	}
}

// Load 依次应用配置文件(.ini或.toml)、env文件、环境变量，最后校验
func (cfg *Cfg) Load(args *CommandLineArgs) (*Cfg, error) {
	if args.ConfigPath != "" {
		var err error
		if strings.EqualFold(filepath.Ext(args.ConfigPath), ".toml") {
			err = cfg.loadToml(args.ConfigPath)
		} else {
			err = cfg.loadIni(args.ConfigPath)
		}
		if err != nil {
			return nil, err
		}
	}
	if err := cfg.loadEnv(args.EnvFile); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Cfg) loadIni(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		logger.Debugf("配置文件不存在: %s，使用默认配置", path)
		return nil
	}
	parsed, err := ini.Load(path)
	if err != nil {
		return errors.Wrapf(err, "parse %s", path)
	}
	cfg.Raw = parsed
	cfg.parseStorageCfg(parsed.Section("storage"))
	cfg.parseLogsCfg(parsed.Section("logs"))
	cfg.parseRedoCfg(parsed.Section("redo"))
	logger.Debugf("成功加载配置文件: %s", path)
	return nil
}

func (cfg *Cfg) parseStorageCfg(section *ini.Section) {
	cfg.DataDir = valueAsString(section, "data_dir", cfg.DataDir)
	cfg.DataFile = valueAsString(section, "data_file", cfg.DataFile)
	cfg.BlockSize = section.Key("block_size").MustInt(cfg.BlockSize)
	cfg.MaxBlocks = section.Key("max_blocks").MustInt(cfg.MaxBlocks)
	cfg.DirectorySize = section.Key("directory_size").MustInt(cfg.DirectorySize)
	cfg.NodeOrder = section.Key("node_order").MustInt(cfg.NodeOrder)
	cfg.RehashThreshold = section.Key("rehash_threshold").MustFloat64(cfg.RehashThreshold)
	cfg.BufferPoolBlocks = section.Key("buffer_pool_blocks").MustInt(cfg.BufferPoolBlocks)
	cfg.Doublewrite = section.Key("doublewrite").MustBool(cfg.Doublewrite)
}

func (cfg *Cfg) parseLogsCfg(section *ini.Section) {
	cfg.LogError = valueAsString(section, "log_error", cfg.LogError)
	cfg.LogInfos = valueAsString(section, "log_infos", cfg.LogInfos)
	cfg.LogLevel = strings.ToLower(valueAsString(section, "log_level", cfg.LogLevel))
}

func (cfg *Cfg) parseRedoCfg(section *ini.Section) {
	cfg.RedoEnabled = section.Key("enabled").MustBool(cfg.RedoEnabled)
	cfg.RedoDir = valueAsString(section, "dir", cfg.RedoDir)
	cfg.RedoCompression = strings.ToLower(valueAsString(section, "compression", cfg.RedoCompression))
}

func valueAsString(section *ini.Section, keyName string, defaultValue string) string {
	if section == nil {
		return defaultValue
	}
	value := section.Key(keyName).MustString(defaultValue)
	if value == "" {
		return defaultValue
	}
	return value
}

func (cfg *Cfg) loadToml(path string) error {
	tree, err := toml.LoadFile(path)
	if err != nil {
		return errors.Wrapf(err, "parse %s", path)
	}
	for key, target := range cfg.fields() {
		if !tree.Has(key) {
			continue
		}
		if err := target.set(tree.Get(key)); err != nil {
			return errors.Wrapf(ErrInvalidConfig, "%s: %v", key, err)
		}
	}
	logger.Debugf("成功加载配置文件: %s", path)
	return nil
}

// loadEnv env文件中的值先生效，进程环境变量优先级更高
func (cfg *Cfg) loadEnv(envFile string) error {
	values := map[string]string{}
	if envFile != "" {
		read, err := godotenv.Read(envFile)
		if err != nil {
			return errors.Wrapf(err, "read env file %s", envFile)
		}
		values = read
	}
	for key, target := range cfg.fields() {
		name := envPrefix + strings.ToUpper(strings.ReplaceAll(key[strings.Index(key, ".")+1:], ".", "_"))
		if strings.HasPrefix(key, "redo.") {
			name = envPrefix + "REDO_" + strings.ToUpper(key[len("redo."):])
		}
		raw, ok := os.LookupEnv(name)
		if !ok {
			raw, ok = values[name]
		}
		if !ok {
			continue
		}
		if err := target.set(raw); err != nil {
			return errors.Wrapf(ErrInvalidConfig, "%s: %v", name, err)
		}
	}
	return nil
}

// Validate 块大小、节点阶数等在建库时写入0号块，非法值必须在打开前拒绝
func (cfg *Cfg) Validate() error {
	if cfg.BlockSize < 512 || cfg.BlockSize > 65536 || cfg.BlockSize&(cfg.BlockSize-1) != 0 {
		return errors.Wrapf(ErrInvalidConfig, "block_size %d must be a power of two in [512, 65536]", cfg.BlockSize)
	}
	if cfg.NodeOrder < 3 {
		return errors.Wrapf(ErrInvalidConfig, "node_order %d must be at least 3", cfg.NodeOrder)
	}
	if cfg.DirectorySize < 1 {
		return errors.Wrapf(ErrInvalidConfig, "directory_size %d must be positive", cfg.DirectorySize)
	}
	if cfg.RehashThreshold <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "rehash_threshold %v must be positive", cfg.RehashThreshold)
	}
	if cfg.MaxBlocks < 0 {
		return errors.Wrapf(ErrInvalidConfig, "max_blocks %d must not be negative", cfg.MaxBlocks)
	}
	if cfg.BufferPoolBlocks < 8 {
		cfg.BufferPoolBlocks = 8
	}
	switch cfg.RedoCompression {
	case "none", "snappy", "lz4":
	default:
		return errors.Wrapf(ErrInvalidConfig, "redo compression %q", cfg.RedoCompression)
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		logger.Debugf("警告: 无效的日志级别 '%s', 使用默认级别 'info'", cfg.LogLevel)
		cfg.LogLevel = "info"
	}
	return nil
}

// DataFilePath 数据文件完整路径
func (cfg *Cfg) DataFilePath() string {
	return filepath.Join(cfg.DataDir, cfg.DataFile)
}

// RedoFilePath redo文件完整路径，相对路径基于数据目录
func (cfg *Cfg) RedoFilePath() string {
	dir := cfg.RedoDir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(cfg.DataDir, dir)
	}
	return filepath.Join(dir, "redo.log")
}

type field struct {
	str   *string
	num   *int
	float *float64
	flag  *bool
}

func (f field) set(v interface{}) error {
	raw := ""
	switch x := v.(type) {
	case string:
		raw = strings.TrimSpace(x)
	case int64:
		raw = strconv.FormatInt(x, 10)
	case float64:
		raw = strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		raw = strconv.FormatBool(x)
	default:
		return errors.Errorf("unsupported value %v", v)
	}
	switch {
	case f.str != nil:
		*f.str = raw
	case f.num != nil:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return err
		}
		*f.num = n
	case f.float != nil:
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		*f.float = n
	case f.flag != nil:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		*f.flag = b
	}
	return nil
}

func (cfg *Cfg) fields() map[string]field {
	return map[string]field{
		"storage.data_dir":           {str: &cfg.DataDir},
		"storage.data_file":          {str: &cfg.DataFile},
		"storage.block_size":         {num: &cfg.BlockSize},
		"storage.max_blocks":         {num: &cfg.MaxBlocks},
		"storage.directory_size":     {num: &cfg.DirectorySize},
		"storage.node_order":         {num: &cfg.NodeOrder},
		"storage.rehash_threshold":   {float: &cfg.RehashThreshold},
		"storage.buffer_pool_blocks": {num: &cfg.BufferPoolBlocks},
		"storage.doublewrite":        {flag: &cfg.Doublewrite},
		"logs.log_error":             {str: &cfg.LogError},
		"logs.log_infos":             {str: &cfg.LogInfos},
		"logs.log_level":             {str: &cfg.LogLevel},
		"redo.enabled":               {flag: &cfg.RedoEnabled},
		"redo.dir":                   {str: &cfg.RedoDir},
		"redo.compression":           {str: &cfg.RedoCompression},
	}
}
