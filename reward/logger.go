package reward

import "github.com/sirupsen/logrus"

var log = logrus.WithField("module", "reward")
