package release

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withFixedClock(t *testing.T, at time.Time) {
	old := now
	now = func() time.Time { return at }
	t.Cleanup(func() { now = old })
}

func sampleInRelease(date, validUntil string) string {
	return "Origin: Test\n" +
		"Suite: stable\n" +
		"Date: " + date + "\n" +
		"Valid-Until: " + validUntil + "\n" +
		"Architectures: amd64 arm64\n" +
		"Components: main\n" +
		"SHA256:\n" +
		" " + strings.Repeat("a", 64) + " 1234 main/binary-amd64/Packages.xz\n" +
		" " + strings.Repeat("b", 64) + " 5678 main/binary-amd64/Packages\n" +
		" " + strings.Repeat("c", 64) + " 91 main/binary-all/Packages\n" +
		" " + strings.Repeat("d", 64) + " 22 main/binary-riscv64/Packages\n" +
		" " + strings.Repeat("e", 64) + " 40 main/Contents-amd64.gz\n" +
		" " + strings.Repeat("f", 64) + " 40 main/Contents-amd64\n" +
		" " + strings.Repeat("1", 64) + " 10 main/binary-amd64/BinContents\n"
}

func TestParseClassifiesFileTypes(t *testing.T) {
	withFixedClock(t, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))

	m, err := Parse(strings.NewReader(sampleInRelease(
		"Thu, 1 Jan 2026 00:00:00 UTC",
		"Sun, 1 Feb 2026 00:00:00 UTC",
	)), "amd64")
	require.NoError(t, err)

	assert.Equal(t, CompressedPackageList, m.Entries["main/binary-amd64/Packages.xz"].FileType)
	assert.Equal(t, PackageList, m.Entries["main/binary-amd64/Packages"].FileType)
	assert.Equal(t, PackageList, m.Entries["main/binary-all/Packages"].FileType)
	assert.Equal(t, CompressedContents, m.Entries["main/Contents-amd64.gz"].FileType)
	assert.Equal(t, Contents, m.Entries["main/Contents-amd64"].FileType)
	assert.Equal(t, BinaryContents, m.Entries["main/binary-amd64/BinContents"].FileType)

	// The "main/binary-riscv64/Packages" entry names neither "amd64" nor
	// "all" and must be filtered out by the architecture pass.
	_, ok := m.Entries["main/binary-riscv64/Packages"]
	assert.False(t, ok)
}

func TestParseArchFilterKeepsAllWhenEmptyResult(t *testing.T) {
	withFixedClock(t, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))

	raw := "Origin: Test\n" +
		"Date: Thu, 1 Jan 2026 00:00:00 UTC\n" +
		"Valid-Until: Sun, 1 Feb 2026 00:00:00 UTC\n" +
		"SHA256:\n" +
		" " + strings.Repeat("a", 64) + " 10 main/binary-mips64r6el/Packages\n"

	m, err := Parse(strings.NewReader(raw), "riscv64")
	require.NoError(t, err)
	assert.Len(t, m.Entries, 1)
}

func TestParseExpiredSignature(t *testing.T) {
	withFixedClock(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))

	_, err := Parse(strings.NewReader(sampleInRelease(
		"Thu, 1 Jan 2026 00:00:00 UTC",
		"Sun, 1 Feb 2026 00:00:00 UTC",
	)), "amd64")
	assert.ErrorIs(t, err, ErrExpiredSignature)
}

func TestParseEarlierSignature(t *testing.T) {
	withFixedClock(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))

	_, err := Parse(strings.NewReader(sampleInRelease(
		"Thu, 1 Jan 2026 00:00:00 UTC",
		"Sun, 1 Feb 2026 00:00:00 UTC",
	)), "amd64")
	assert.ErrorIs(t, err, ErrEarlierSignature)
}

func TestParseBadChecksumEntry(t *testing.T) {
	withFixedClock(t, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))

	raw := "Date: Thu, 1 Jan 2026 00:00:00 UTC\nSHA256:\n deadbeef onlytwo\n"
	_, err := Parse(strings.NewReader(raw), "amd64")
	assert.ErrorIs(t, err, ErrBadChecksumEntry)
}

func TestParseSizeNotNumber(t *testing.T) {
	withFixedClock(t, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))

	raw := "Date: Thu, 1 Jan 2026 00:00:00 UTC\nSHA256:\n " + strings.Repeat("a", 64) + " notanumber main/Packages\n"
	_, err := Parse(strings.NewReader(raw), "amd64")
	assert.ErrorIs(t, err, ErrSizeNotNumber)
}

func TestParseUnsupportedFileType(t *testing.T) {
	withFixedClock(t, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))

	raw := "Date: Thu, 1 Jan 2026 00:00:00 UTC\nSHA256:\n " + strings.Repeat("a", 64) + " 10 main/mystery-file\n"
	_, err := Parse(strings.NewReader(raw), "")
	assert.ErrorIs(t, err, ErrUnsupportedFileType)
}

func TestParseBadInReleaseDataOnEmptyStanza(t *testing.T) {
	_, err := Parse(strings.NewReader(""), "amd64")
	assert.ErrorIs(t, err, ErrBadInReleaseData)
}
