package workers

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/lendcore/custody-workers/utils"
)

type WorkerAbs struct {
	ID        int
	Name      string
	Frequency int // in sec
	Quit      chan bool
	Network   string // mainnet, testnet, ...
	Logger    *logrus.Entry
}

type Worker interface {
	Execute()
	GetName() string
	GetFrequency() int
	GetQuitChan() chan bool
	GetNetwork() string
}

func (a *WorkerAbs) Init(id int, name string, freq int, network string) error {
	a.ID = id
	a.Name = name
	a.Frequency = freq
	a.Quit = make(chan bool)
	a.Network = network

	logger, err := utils.NewLogger()
	if err != nil {
		return err
	}
	a.Logger = logger.WithFields(logrus.Fields{"worker": name, "id": id})
	return nil
}

func (a *WorkerAbs) Execute() {
	fmt.Println("Abstract worker is executing...")
}

func (a *WorkerAbs) GetName() string {
	return a.Name
}

func (a *WorkerAbs) GetFrequency() int {
	return a.Frequency
}

func (a *WorkerAbs) GetQuitChan() chan bool {
	return a.Quit
}

func (a *WorkerAbs) GetNetwork() string {
	return a.Network
}
