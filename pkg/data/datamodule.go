package data

import (
	"fmt"
	"math/rand"

	"github.com/rs/zerolog/log"

	"nnunet/pkg/args"
	"nnunet/pkg/io"
	"nnunet/pkg/model"
	"nnunet/pkg/utils"
)

// FoldSeed fixes the case order the folds are cut from, so every fold of a
// cross-validation sees the same partition whatever the run seed.
const FoldSeed = 12345

// DataModule discovers the cases of the data directory and serves the
// training, validation and test loaders of the configured fold.
type DataModule struct {
	args *args.Args
	meta *model.Metadata

	train *io.DataSet
	val   *io.DataSet
	test  *io.DataSet
}

func NewDataModule(a *args.Args) *DataModule {
	return &DataModule{args: a}
}

// Setup lists the cases, splits them into folds and derives the metadata of
// the data set. Cases that cannot be read are reported and left out.
func (d *DataModule) Setup() error {
	a := d.args
	cases, err := io.ListCases(a.Data)
	if err != nil {
		return err
	}
	if len(cases) == 0 {
		return fmt.Errorf("no cases found in %s", a.Data)
	}

	cases, channels, maxLabel, dataErrors := d.scan(cases)
	logDataErrors(dataErrors)
	if len(cases) == 0 {
		return fmt.Errorf("no readable cases in %s", a.Data)
	}

	names, err := io.LoadLabelNames(a.Data)
	if err != nil {
		return err
	}
	nClass := names.Size()
	if maxLabel+1 > nClass {
		nClass = maxLabel + 1
	}
	d.meta = model.NewMetadata(channels, nClass, a.Dim)
	d.meta.Labels = names

	switch a.ExecMode {
	case args.Predict, args.Benchmark:
		d.test = io.NewDataSet(cases, a.ValBatchSize*a.GPUs)
	default:
		labeled := make([]string, 0, len(cases))
		for _, name := range cases {
			if io.HasLabel(a.Data, name) {
				labeled = append(labeled, name)
			}
		}
		if len(labeled) < a.NFolds {
			return fmt.Errorf("%d labeled cases cannot be split into %d folds", len(labeled), a.NFolds)
		}
		all := io.NewDataSet(labeled, 1)
		all.Rand = rand.New(rand.NewSource(FoldSeed))
		d.train, d.val = all.KFold(a.NFolds, a.Fold)
		d.train.BatchSize = a.BatchSize * a.GPUs
		d.train.Rand = utils.NewRand("train-order")
		d.val.BatchSize = a.ValBatchSize * a.GPUs
		d.test = d.val
		log.Info().Int("train", d.train.Size()).Int("val", d.val.Size()).Int("fold", a.Fold).Msg("Data split")
	}
	log.Info().
		Int("cases", len(cases)).
		Int("channels", d.meta.InChannels).
		Int("classes", d.meta.NClass).
		Msg("Data module ready")
	return nil
}

// scan reads every case once. It keeps those that load with the channel count
// of the first one and returns that count with the largest label value found.
func (d *DataModule) scan(cases []string) ([]string, int, int, []io.DataError) {
	var dataErrors []io.DataError
	valid := make([]string, 0, len(cases))
	maxLabel := 0
	channels := 0
	for _, name := range cases {
		v, err := io.LoadVolume(d.args.Data, name)
		if err != nil {
			dataErrors = append(dataErrors, io.DataError{Case: name, Error: err.Error()})
			continue
		}
		if channels == 0 {
			channels = v.Channels
		} else if v.Channels != channels {
			dataErrors = append(dataErrors, io.DataError{
				Case:  name,
				Error: fmt.Sprintf("%d channels, expected %d", v.Channels, channels),
			})
			continue
		}
		for _, l := range v.Label {
			if int(l) > maxLabel {
				maxLabel = int(l)
			}
		}
		valid = append(valid, name)
	}
	return valid, channels, maxLabel, dataErrors
}

func logDataErrors(errors []io.DataError) {
	for _, err := range errors {
		log.Error().Str("case", err.Case).Msgf("Error reading case: %s", err.Error)
	}
}

// Metadata describes the data set. Valid after Setup.
func (d *DataModule) Metadata() *model.Metadata {
	return d.meta
}

func (d *DataModule) TrainDataloader() *Loader {
	return d.loader(d.train, true)
}

func (d *DataModule) ValDataloader() *Loader {
	return d.loader(d.val, false)
}

func (d *DataModule) TestDataloader() *Loader {
	return d.loader(d.test, false)
}

func (d *DataModule) loader(set *io.DataSet, shuffle bool) *Loader {
	return &Loader{Dir: d.args.Data, Set: set, Shuffle: shuffle, Workers: d.args.NumWorkers}
}
