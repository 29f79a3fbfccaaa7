package observation

import "github.com/sirupsen/logrus"

var log = logrus.WithField("module", "observation")
