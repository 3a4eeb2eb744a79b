package launcher

import (
	"bytes"
	"io"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// LoadProfile 读取 YAML 作业描述, 没写的字段保留 DefaultSpec 的值
func LoadProfile(path string) (Spec, error) {
	s := DefaultSpec()
	data, err := os.ReadFile(path)
	if err != nil {
		return s, errors.Wrapf(err, "reading profile %s", path)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && err != io.EOF {
		return s, errors.Wrapf(err, "parsing profile %s", path)
	}
	return s, nil
}
