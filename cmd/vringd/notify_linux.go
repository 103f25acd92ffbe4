package main

import (
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// sdNotifyReady tells systemd the device is running and dependent units can
// be started. See sd_notify(3).
const sdNotifyReady = "READY=1"

func notifyReady(l logrus.FieldLogger) {
	sockName := os.Getenv("NOTIFY_SOCKET")
	if sockName == "" {
		l.Debug("NOTIFY_SOCKET systemd env var not set, not sending ready signal")
		return
	}

	conn, err := net.DialTimeout("unixgram", sockName, time.Second)
	if err != nil {
		l.WithError(err).Error("Failed to connect to systemd notification socket")
		return
	}
	defer conn.Close()

	if err := conn.SetWriteDeadline(time.Now().Add(time.Second)); err != nil {
		l.WithError(err).Error("Failed to set the write deadline for the systemd notification socket")
		return
	}

	if _, err := conn.Write([]byte(sdNotifyReady)); err != nil {
		l.WithError(err).Error("Failed to signal the systemd notification socket")
		return
	}

	l.Debug("Notified systemd the device is ready")
}
