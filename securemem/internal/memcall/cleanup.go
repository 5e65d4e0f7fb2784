package memcall

import "github.com/pkg/errors"

// Cleanup unlocks and frees b, combining any errors from either step into a
// single returned error. Used on allocation-failure paths where we've
// already locked or allocated memory and need to unwind.
func Cleanup(c Interface, b []byte) (err error) {
	if uerr := c.Unlock(b); uerr != nil {
		err = errors.WithStack(uerr)
	}

	if ferr := c.Free(b); ferr != nil {
		ferr = errors.WithStack(ferr)

		if err == nil {
			err = ferr
		} else {
			err = errors.Wrap(err, ferr.Error())
		}
	}

	return err
}
