package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
)

// ParseExponentialBackOff populates b from the compact notation
// "[InitInterval MaxInterval] *Multiplier ~RandomizationFactor <MaxElapsedTime",
// all intervals in seconds, e.g. "[0.25 5] *2 ~0.2 <30".
func ParseExponentialBackOff(s string, b *backoff.ExponentialBackOff) error {
	var (
		initial, max, mult, rand, limit float64
		err                             error
	)

	for _, word := range strings.Fields(s) {
		switch {
		case strings.HasPrefix(word, "["):
			initial, err = strconv.ParseFloat(strings.TrimPrefix(word, "["), 64)
			if err != nil {
				return errors.New("cannot parse initial interval: " + err.Error())
			}
		case strings.HasSuffix(word, "]"):
			max, err = strconv.ParseFloat(strings.TrimSuffix(word, "]"), 64)
			if err != nil {
				return errors.New("cannot parse max interval: " + err.Error())
			}
		case strings.HasPrefix(word, "*"):
			mult, err = strconv.ParseFloat(strings.TrimPrefix(word, "*"), 64)
			if err != nil {
				return errors.New("cannot parse multiplier: " + err.Error())
			}
		case strings.HasPrefix(word, "~"):
			rand, err = strconv.ParseFloat(strings.TrimPrefix(word, "~"), 64)
			if err != nil {
				return errors.New("cannot parse randomization factor: " + err.Error())
			}
		case strings.HasPrefix(word, "<"):
			limit, err = strconv.ParseFloat(strings.TrimPrefix(word, "<"), 64)
			if err != nil {
				return errors.New("cannot parse max elapsed time: " + err.Error())
			}
		default:
			return fmt.Errorf("unexpected word %q", word)
		}
	}

	if initial <= 0 || max < initial {
		return fmt.Errorf("interval bounds [%v %v] are invalid", initial, max)
	}
	if mult < 1 {
		return fmt.Errorf("multiplier %v must be >= 1", mult)
	}

	b.InitialInterval = seconds(initial)
	b.MaxInterval = seconds(max)
	b.Multiplier = mult
	b.RandomizationFactor = rand
	b.MaxElapsedTime = seconds(limit)
	b.Reset()
	return nil
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
