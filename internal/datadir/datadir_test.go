package datadir

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_EnvVarWins(t *testing.T) {
	envDir := filepath.Join(t.TempDir(), "env-dir")
	t.Setenv(EnvVar, envDir)

	d, err := New("/should/be/ignored")
	require.NoError(t, err)
	assert.Equal(t, envDir, d.Root())
	_, err = os.Stat(envDir)
	assert.True(t, os.IsNotExist(err), "New must not create the directory")
}

func TestNew_ConfigFallback(t *testing.T) {
	t.Setenv(EnvVar, "")
	cfgDir := filepath.Join(t.TempDir(), "cfg-dir")

	d, err := New(cfgDir)
	require.NoError(t, err)
	assert.Equal(t, cfgDir, d.Root())
}

func TestNew_DefaultHome(t *testing.T) {
	t.Setenv(EnvVar, "")
	home := t.TempDir()
	t.Setenv("HOME", home)

	d, err := New("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, DefaultDirName), d.Root())
}

func TestDataDir_Paths(t *testing.T) {
	t.Setenv(EnvVar, "")
	d, err := New("/data")
	require.NoError(t, err)

	assert.Equal(t, "/data/store", d.StoreDir())
	assert.Equal(t, "/data/models", d.ModelsDir())
	assert.Equal(t, "/data/store/memory.db", d.StorePath(""))
	assert.Equal(t, "/elsewhere.db", d.StorePath("/elsewhere.db"))
	assert.Equal(t, "/data/models/model.onnx", d.ModelPath("model.onnx"))
	assert.Equal(t, "/abs/model.onnx", d.ModelPath("/abs/model.onnx"))
	assert.Equal(t, "", d.ModelPath(""))
}

func TestDataDir_EnsureDirs(t *testing.T) {
	t.Setenv(EnvVar, "")
	root := filepath.Join(t.TempDir(), "root")
	d, err := New(root)
	require.NoError(t, err)

	require.NoError(t, d.EnsureDirs())
	require.NoError(t, d.EnsureDirs(), "second call is a no-op")

	for _, dir := range []string{root, d.StoreDir(), d.ModelsDir()} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
		assert.Equal(t, os.FileMode(0700), info.Mode().Perm())
	}
}

func TestLoadEnv(t *testing.T) {
	root := t.TempDir()
	t.Chdir(t.TempDir())
	t.Setenv(EnvFileEnvVar, "")
	t.Setenv("MAGRAY_TEST_PRESET", "shell")

	content := "# comment\n\nMAGRAY_TEST_A=one\nexport MAGRAY_TEST_B=\"two words\"\nMAGRAY_TEST_PRESET=file\nnot a pair\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, ".env"), []byte(content), 0600))
	require.NoError(t, os.WriteFile(".env", []byte("MAGRAY_TEST_A=cwd\nMAGRAY_TEST_C='three'\n"), 0600))
	t.Cleanup(func() {
		os.Unsetenv("MAGRAY_TEST_A")
		os.Unsetenv("MAGRAY_TEST_B")
		os.Unsetenv("MAGRAY_TEST_C")
	})

	loaded, err := LoadEnv(root)
	require.NoError(t, err)
	assert.Len(t, loaded, 2)

	assert.Equal(t, "one", os.Getenv("MAGRAY_TEST_A"), "data dir file wins over cwd")
	assert.Equal(t, "two words", os.Getenv("MAGRAY_TEST_B"))
	assert.Equal(t, "three", os.Getenv("MAGRAY_TEST_C"))
	assert.Equal(t, "shell", os.Getenv("MAGRAY_TEST_PRESET"), "existing env is never overridden")
}

func TestLoadEnv_OverrideFile(t *testing.T) {
	t.Chdir(t.TempDir())
	override := filepath.Join(t.TempDir(), "custom.env")
	require.NoError(t, os.WriteFile(override, []byte("MAGRAY_TEST_OVERRIDE=yes\n"), 0600))
	t.Setenv(EnvFileEnvVar, override)
	t.Cleanup(func() { os.Unsetenv("MAGRAY_TEST_OVERRIDE") })

	loaded, err := LoadEnv(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, []string{override}, loaded)
	assert.Equal(t, "yes", os.Getenv("MAGRAY_TEST_OVERRIDE"))
}

func TestLoadEnv_MissingFiles(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv(EnvFileEnvVar, "")
	loaded, err := LoadEnv(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, loaded)
}
