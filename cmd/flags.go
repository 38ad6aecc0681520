package cmd

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// bind makes an explicitly set flag win over file and environment.
func bind(v *viper.Viper, f *pflag.Flag, key string) {
	if f == nil {
		return
	}
	if err := v.BindPFlag(key, f); err != nil {
		panic(err)
	}
}
