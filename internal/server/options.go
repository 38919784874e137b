package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

type Mode string

const (
	DebugMode   Mode = "debug"
	ReleaseMode Mode = "release"
)

type Options struct {
	NodeId  uint64
	DataDir string
	Version string
	// ApiAddr is the replication RPC listen address advertised to peers.
	ApiAddr string
	Mode    Mode

	HandlePoolSize int

	Logger struct {
		Dir     string
		Level   zapcore.Level
		LineNum bool
	}

	Cluster struct {
		GossipAddr       string
		GossipPort       int
		Seeds            []string
		PingInterval     time.Duration
		LivenessInterval time.Duration
	}

	DB struct {
		MemTableSize     int
		MailboxCacheSize int
	}

	vp *viper.Viper
}

func NewOptions() *Options {
	opts := &Options{
		NodeId:         1,
		Version:        "1.0.0",
		ApiAddr:        "0.0.0.0:1750",
		HandlePoolSize: 2048,
	}
	opts.Cluster.GossipAddr = "0.0.0.0"
	opts.Cluster.GossipPort = 7946
	opts.Cluster.PingInterval = time.Millisecond * 500
	opts.Cluster.LivenessInterval = time.Second
	opts.DB.MemTableSize = 16 * 1024 * 1024
	opts.DB.MailboxCacheSize = 2048
	return opts
}

func (o *Options) ConfigureWithViper(vp *viper.Viper) {
	o.vp = vp
	o.Mode = Mode(o.getString("mode", string(ReleaseMode)))
	o.NodeId = uint64(o.getInt64("nodeId", int64(o.NodeId)))
	o.ApiAddr = o.getString("apiAddr", o.ApiAddr)

	o.Cluster.GossipAddr = o.getString("cluster.gossipAddr", o.Cluster.GossipAddr)
	o.Cluster.GossipPort = o.getInt("cluster.gossipPort", o.Cluster.GossipPort)
	if seeds := vp.GetString("cluster.seeds"); seeds != "" {
		o.Cluster.Seeds = strings.Split(seeds, ",")
	}
	o.Cluster.PingInterval = o.getDuration("cluster.pingInterval", o.Cluster.PingInterval)
	o.Cluster.LivenessInterval = o.getDuration("cluster.livenessInterval", o.Cluster.LivenessInterval)

	o.DB.MemTableSize = o.getInt("db.memTableSize", o.DB.MemTableSize)
	o.DB.MailboxCacheSize = o.getInt("db.mailboxCacheSize", o.DB.MailboxCacheSize)
	o.HandlePoolSize = o.getInt("handlePoolSize", o.HandlePoolSize)

	o.configureLog(vp)
	o.configureDataDir()
}

func (o *Options) configureDataDir() {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	if o.NodeId == 0 {
		o.DataDir = o.getString("dataDir", filepath.Join(homeDir, "jmapdata"))
	} else {
		o.DataDir = o.getString("dataDir", filepath.Join(homeDir, fmt.Sprintf("jmapdata-%d", o.NodeId)))
	}
	if strings.TrimSpace(o.DataDir) != "" {
		err = os.MkdirAll(o.DataDir, 0755)
		if err != nil {
			panic(err)
		}
	}
}

func (o *Options) configureLog(vp *viper.Viper) {
	logLevel := vp.GetInt("logger.level")
	if logLevel == 0 {
		if o.Mode == DebugMode {
			logLevel = int(zapcore.DebugLevel)
		} else {
			logLevel = int(zapcore.InfoLevel)
		}
	}
	o.Logger.Level = zapcore.Level(logLevel)
	o.Logger.Dir = vp.GetString("logger.dir")
	o.Logger.LineNum = vp.GetBool("logger.lineNum")
}

func (o *Options) getString(key string, defaultValue string) string {
	v := o.vp.GetString(key)
	if v == "" {
		return defaultValue
	}
	return v
}

func (o *Options) getInt(key string, defaultValue int) int {
	v := o.vp.GetInt(key)
	if v == 0 {
		return defaultValue
	}
	return v
}

func (o *Options) getInt64(key string, defaultValue int64) int64 {
	v := o.vp.GetInt64(key)
	if v == 0 {
		return defaultValue
	}
	return v
}

func (o *Options) getDuration(key string, defaultValue time.Duration) time.Duration {
	v := o.vp.GetDuration(key)
	if v == 0 {
		return defaultValue
	}
	return v
}
