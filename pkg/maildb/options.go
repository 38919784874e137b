package maildb

type Options struct {
	NodeId           uint64
	DataDir          string
	MemTableSize     int
	MailboxCacheSize int
}

func NewOptions(opt ...Option) *Options {
	o := &Options{
		DataDir:          "./data",
		MemTableSize:     16 * 1024 * 1024,
		MailboxCacheSize: 1024,
	}
	for _, f := range opt {
		f(o)
	}
	return o
}

type Option func(*Options)

func WithDir(dir string) Option {
	return func(o *Options) {
		o.DataDir = dir
	}
}

func WithNodeId(nodeId uint64) Option {
	return func(o *Options) {
		o.NodeId = nodeId
	}
}

func WithMemTableSize(size int) Option {
	return func(o *Options) {
		o.MemTableSize = size
	}
}

func WithMailboxCacheSize(size int) Option {
	return func(o *Options) {
		o.MailboxCacheSize = size
	}
}
