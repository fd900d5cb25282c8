package sealevel

import "k8s.io/klog/v2"

type Logger interface {
	Log(s string)
}

// LogRecorder keeps program output in memory.
type LogRecorder struct {
	Logs []string
}

func (r *LogRecorder) Log(s string) {
	r.Logs = append(r.Logs, s)
}

// KlogLogger forwards program output to klog at verbosity 2.
type KlogLogger struct {
	Prefix string
}

func (l KlogLogger) Log(s string) {
	klog.V(2).Infof("%s%s", l.Prefix, s)
}
